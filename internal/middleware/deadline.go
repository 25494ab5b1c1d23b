package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/cacheproxy/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire middleware chain. The deadline also flows into the route graph
// through the request context, so failover stops once it passes. If it fires
// before the handler writes anything, a 504 is returned. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &deadlineWriter{ResponseWriter: w}

			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if tw.tryClaimWrite() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded,
						"global request deadline exceeded")
				}
				// Wait for handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

// deadlineWriter lets exactly one of the handler and the deadline path write
// the response. Once the deadline claims it, handler writes are discarded.
type deadlineWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	claimed  bool
	timedOut bool
}

func (dw *deadlineWriter) tryClaimWrite() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.claimed {
		return false
	}
	dw.claimed = true
	dw.timedOut = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return
	}
	dw.claimed = true
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	dw.claimed = true
	return dw.ResponseWriter.Write(b)
}
