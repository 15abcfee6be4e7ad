package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned for missing or expired sessions.
	ErrNotFound = errors.New("session not found")
	// ErrRedisUnavailable wraps Redis failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrInvalidData is returned when session data is not a JSON object.
	ErrInvalidData = errors.New("session data must be a JSON object")
)

const minTTL = time.Second

const luaReadBE64 = `
local function read_be64(s, i)
  local n = 0
  for k = i, i + 7 do
    local b = string.byte(s, k)
    if not b then
      return nil
    end
    n = n * 256 + b
  end
  return n
end
`

// touchScript moves the expiry forward in place. It never moves it backwards.
const touchScript = luaReadBE64 + `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local current = read_be64(data, 10)
if not current then
  return -1
end
local next_ms = tonumber(ARGV[2])
if current >= next_ms then
  return current
end
local updated = string.sub(data, 1, 9) .. ARGV[1] .. string.sub(data, 18)
redis.call("SET", KEYS[1], updated, "PX", ARGV[3])
return next_ms
`

// replaceBodyScript swaps everything after the header, keeping expiry and TTL.
const replaceBodyScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
redis.call("SET", KEYS[1], string.sub(data, 1, 17) .. ARGV[1], "PX", ttl)
return 1
`

var (
	touchLua       = redis.NewScript(touchScript)
	replaceBodyLua = redis.NewScript(replaceBodyScript)
)

// Config controls key naming and lifetimes.
type Config struct {
	Prefix string
	// MaxAge is the absolute lifetime of a session.
	MaxAge time.Duration
	// IdleTimeout enables sliding expiry: each read extends the session to
	// now+IdleTimeout, capped by MaxAge. Zero disables sliding.
	IdleTimeout time.Duration
}

// Store is a Redis-backed session store.
type Store struct {
	redis  redis.UniversalClient
	config Config
}

// NewStore creates a [Store] backed by the given Redis client.
func NewStore(rdb redis.UniversalClient, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "gs:s:"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.IdleTimeout > cfg.MaxAge {
		cfg.IdleTimeout = cfg.MaxAge
	}
	return &Store{redis: rdb, config: cfg}
}

// MaxAge returns the absolute session lifetime.
func (s *Store) MaxAge() time.Duration {
	return s.config.MaxAge
}

func (s *Store) key(id string) string {
	return s.config.Prefix + id
}

// Create persists a new session for the user and returns it.
//
//	Performance: 1 Redis SET.
func (s *Store) Create(ctx context.Context, userID, name, email string, now time.Time) (*Record, error) {
	r := &Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Email:     email,
		CreatedAt: now.Truncate(time.Millisecond),
	}
	r.ExpiresAt = s.nextExpiry(r, now)

	data, err := Encode(r)
	if err != nil {
		return nil, err
	}
	if err := s.redis.Set(ctx, s.key(r.ID), data, ttlUntil(r.ExpiresAt, now)).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return r, nil
}

// Get returns the session, extending its expiry when sliding is enabled.
//
//	Performance: 1 Redis GET, plus 1 EVALSHA when the expiry moves.
func (s *Store) Get(ctx context.Context, id string, now time.Time) (*Record, error) {
	r, err := s.GetReadOnly(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Expired(now) {
		_ = s.Delete(ctx, id)
		return nil, ErrNotFound
	}

	next := s.nextExpiry(r, now)
	if !next.After(r.ExpiresAt) {
		return r, nil
	}

	res, err := touchLua.Run(ctx, s.redis, []string{s.key(id)},
		string(encodeMillis(next)),
		strconv.FormatInt(next.UnixMilli(), 10),
		strconv.FormatInt(ttlUntil(next, now).Milliseconds(), 10),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch {
	case res == 0:
		return nil, ErrNotFound
	case res < 0:
		return nil, ErrCorruptRecord
	}
	r.ExpiresAt = time.UnixMilli(res)
	return r, nil
}

// GetReadOnly returns the session without touching its expiry.
func (s *Store) GetReadOnly(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	r, err := Decode(data)
	if err != nil {
		return nil, err
	}
	r.ID = id
	return r, nil
}

// UpdateData merges the top-level fields of patch into the session data. Expiry is
// unchanged. Concurrent updates are last-writer-wins per call.
func (s *Store) UpdateData(ctx context.Context, id string, patch json.RawMessage) (*Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil || fields == nil {
		return nil, ErrInvalidData
	}

	r, err := s.GetReadOnly(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := map[string]json.RawMessage{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &merged); err != nil {
			return nil, ErrCorruptRecord
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	if r.Data, err = json.Marshal(merged); err != nil {
		return nil, err
	}

	body, err := encodeBody(r)
	if err != nil {
		return nil, err
	}
	ok, err := replaceBodyLua.Run(ctx, s.redis, []string{s.key(id)}, body).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ok == 0 {
		return nil, ErrNotFound
	}
	return r, nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) nextExpiry(r *Record, now time.Time) time.Time {
	absolute := r.CreatedAt.Add(s.config.MaxAge)
	if s.config.IdleTimeout <= 0 {
		return absolute.Truncate(time.Millisecond)
	}
	next := now.Add(s.config.IdleTimeout)
	if next.After(absolute) {
		next = absolute
	}
	return next.Truncate(time.Millisecond)
}

func ttlUntil(expires, now time.Time) time.Duration {
	ttl := expires.Sub(now)
	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}
