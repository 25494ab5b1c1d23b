// Package middleware provides the HTTP middleware shared by the proxy and
// admin listeners: request ids, structured access logging, panic recovery,
// body limits and a global request deadline.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LogLevelNone is a sentinel value indicating no log entry should be emitted.
// It is higher than any slog.Level so logger.Enabled() will always return false.
const LogLevelNone slog.Level = slog.LevelError + 100

// ParseLogLevel converts a log level name to a slog.Level.
// Returns slog.LevelInfo for empty or unknown names.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return LogLevelNone
	default:
		return slog.LevelInfo
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code and
// the number of body bytes written.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, response size and client IP.
// levelFor picks the level for a request; pass nil to log everything at Info.
// Server errors are always logged at Warn or above.
func Logging(logger *slog.Logger, levelFor func(*http.Request) slog.Level) func(http.Handler) http.Handler {
	if levelFor == nil {
		levelFor = func(*http.Request) slog.Level { return slog.LevelInfo }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := levelFor(r)
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= http.StatusInternalServerError && level < slog.LevelWarn {
				level = slog.LevelWarn
			}
			if level == LogLevelNone || !logger.Enabled(r.Context(), level) {
				return
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"bytes", recorder.bytes,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}

// PathLevels returns a level selector that silences the given paths, such
// as health probes, and logs everything else at level.
func PathLevels(level slog.Level, quiet ...string) func(*http.Request) slog.Level {
	silent := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		silent[p] = true
	}
	return func(r *http.Request) slog.Level {
		if silent[r.URL.Path] {
			return LogLevelNone
		}
		return level
	}
}
