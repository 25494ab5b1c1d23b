package route

import (
	"context"

	"github.com/dskow/cacheproxy/internal/mc"
)

// Error answers every request with a fixed reply. Useful as a placeholder
// target and for draining a key prefix.
type Error struct {
	result  mc.Result
	message string
}

// NewError builds an error route. result must be an error result.
func NewError(result mc.Result, message string) *Error {
	return &Error{result: result, message: message}
}

func (e *Error) Name() string       { return "error|" + e.result.String() }
func (e *Error) Children() []Handle { return nil }

func (e *Error) Route(context.Context, *mc.Request) mc.Reply {
	return mc.Reply{Result: e.result, Message: e.message}
}
