package backend

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/dskow/cacheproxy/internal/mc"
)

// Classify maps a backend error to a reply result.
func Classify(err error) mc.Result {
	switch {
	case err == nil:
		return mc.ResultUnknown
	case errors.Is(err, ErrNotFound):
		return mc.ResultNotFound
	case errors.Is(err, context.Canceled):
		return mc.ResultCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return mc.ResultTimeout
	case errors.Is(err, redis.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH):
		return mc.ResultConnectError
	case errors.Is(err, redis.ErrPoolTimeout):
		return mc.ResultBusy
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return mc.ResultTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return mc.ResultConnectError
	}
	return mc.ResultRemoteError
}
