package streams

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrAppendFailed means the log did not record the entry; retrying the
	// identical append is safe.
	ErrAppendFailed = errors.New("append failed")

	// ErrAcknowledgeFailed means the entry stays in the group's pending set
	// and will be redelivered; redelivery is safe because the entry is still
	// subject to dedup.
	ErrAcknowledgeFailed = errors.New("acknowledge failed")
)

// IsTransient reports whether a store error is worth retrying. redis.Nil is
// an empty result, not a failure, and cancelled contexts must not be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
