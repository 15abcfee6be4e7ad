package goAuthSync

import (
	"errors"

	"github.com/MrEthical07/goAuthSync/endpoint"
)

var (
	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("client closed")
	// ErrBuilderUsed is returned when Build is called twice.
	ErrBuilderUsed = errors.New("builder already used")
	// ErrUnavailable wraps transient failures: network errors, timeouts, 5xx replies.
	ErrUnavailable = endpoint.ErrUnavailable
	// ErrUnauthenticated is the backend's definitive "no session" answer.
	ErrUnauthenticated = endpoint.ErrUnauthenticated
)
