package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	recordFormatVersion = 1

	// version(1) + created(8) precede the expiry.
	expiresOffset = 9

	maxDataBytes = 16 * 1024
)

// ErrCorruptRecord is returned for blobs that do not decode.
var ErrCorruptRecord = errors.New("session record corrupt")

// Encode serialises r. ID is not stored; it is the Redis key.
func Encode(r *Record) ([]byte, error) {
	body, err := encodeBody(r)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, expiresOffset+8+len(body))
	out = append(out, recordFormatVersion)
	out = append(out, encodeMillis(r.CreatedAt)...)
	out = append(out, encodeMillis(r.ExpiresAt)...)
	return append(out, body...), nil
}

// encodeBody serialises everything after the fixed header.
func encodeBody(r *Record) ([]byte, error) {
	if len(r.UserID) > 255 || len(r.Name) > 255 || len(r.Email) > 255 {
		return nil, errors.New("session identity field too long")
	}
	if len(r.Data) > maxDataBytes {
		return nil, errors.New("session data too large")
	}
	var buf bytes.Buffer
	writeBody(&buf, r)
	return buf.Bytes(), nil
}

func writeBody(buf *bytes.Buffer, r *Record) {
	for _, s := range []string{r.UserID, r.Name, r.Email} {
		buf.WriteByte(byte(len(s)))
		buf.WriteString(s)
	}
	_ = binary.Write(buf, binary.BigEndian, uint32(len(r.Data)))
	buf.Write(r.Data)
}

func encodeMillis(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixMilli()))
	return b[:]
}

// Decode parses a blob produced by Encode.
func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrCorruptRecord
	}
	if version != recordFormatVersion {
		return nil, errors.New("invalid session record version")
	}

	var created, expires int64
	if err := binary.Read(reader, binary.BigEndian, &created); err != nil {
		return nil, ErrCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &expires); err != nil {
		return nil, ErrCorruptRecord
	}

	r := &Record{
		CreatedAt: time.UnixMilli(created),
		ExpiresAt: time.UnixMilli(expires),
	}

	fields := []*string{&r.UserID, &r.Name, &r.Email}
	for _, f := range fields {
		n, err := reader.ReadByte()
		if err != nil {
			return nil, ErrCorruptRecord
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, ErrCorruptRecord
		}
		*f = string(b)
	}

	var dataLen uint32
	if err := binary.Read(reader, binary.BigEndian, &dataLen); err != nil {
		return nil, ErrCorruptRecord
	}
	if dataLen > maxDataBytes || int(dataLen) != reader.Len() {
		return nil, ErrCorruptRecord
	}
	if dataLen > 0 {
		r.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(reader, r.Data); err != nil {
			return nil, ErrCorruptRecord
		}
	}

	return r, nil
}
