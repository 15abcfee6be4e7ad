package rate

import "errors"

var (
	// ErrRateLimited means the username or IP exhausted its sign-in budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps counter read/write failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
