package mc

import "fmt"

// Result is the outcome code of a routed request.
type Result int

const (
	ResultUnknown Result = iota
	ResultFound
	ResultNotFound
	ResultStored
	ResultNotStored
	ResultDeleted

	// Availability errors. These are the usual failover triggers.
	ResultTimeout
	ResultConnectError
	ResultTko // destination marked down; temporarily unavailable
	ResultRemoteError
	ResultBusy

	// Terminal outcomes. Retrying elsewhere would not change them.
	ResultLocalError
	ResultClientError
	ResultRejected // rate limited or shed by congestion control
	ResultCancelled
)

var resultNames = map[Result]string{
	ResultUnknown:      "unknown",
	ResultFound:        "found",
	ResultNotFound:     "notfound",
	ResultStored:       "stored",
	ResultNotStored:    "notstored",
	ResultDeleted:      "deleted",
	ResultTimeout:      "timeout",
	ResultConnectError: "connect_error",
	ResultTko:          "tko",
	ResultRemoteError:  "remote_error",
	ResultBusy:         "busy",
	ResultLocalError:   "local_error",
	ResultClientError:  "client_error",
	ResultRejected:     "rejected",
	ResultCancelled:    "cancelled",
}

// String returns the config/metrics name of the result.
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// ParseResult converts a config name back into a Result.
func ParseResult(s string) (Result, bool) {
	for r, name := range resultNames {
		if name == s && r != ResultUnknown {
			return r, true
		}
	}
	return ResultUnknown, false
}

// IsError reports whether the result is any kind of failure.
func (r Result) IsError() bool {
	return r >= ResultTimeout
}

// IsAvailabilityError reports whether the result says the destination could
// not serve the request, as opposed to the request itself being bad.
func (r Result) IsAvailabilityError() bool {
	return r >= ResultTimeout && r <= ResultBusy
}

// Reply is the result of routing a Request.
type Reply struct {
	Result      Result
	Value       []byte
	Flags       uint32
	Message     string
	Destination string
}

// IsError reports whether the reply carries a failure result.
func (r Reply) IsError() bool { return r.Result.IsError() }

// IsHit reports whether a get found its key.
func (r Reply) IsHit() bool { return r.Result == ResultFound }

// ErrorReply builds a failure reply with a message.
func ErrorReply(result Result, format string, args ...any) Reply {
	return Reply{Result: result, Message: fmt.Sprintf(format, args...)}
}
