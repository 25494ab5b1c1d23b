package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/dskow/cacheproxy/internal/apierror"
)

// keyMiss answers every request the way the proxy answers a cache miss.
var keyMiss = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusNotFound, apierror.KeyNotFound, "key not found")
})

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apierror.ErrorResponse {
	t.Helper()
	var body apierror.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestRequestID_GeneratedIDInErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	RequestID(keyMiss).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/keys/user:1", nil))

	id := rec.Header().Get(HeaderRequestID)
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("response id %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 4 {
		t.Errorf("UUID version = %d, want 4", parsed.Version())
	}

	body := decodeError(t, rec)
	if body.RequestID != id {
		t.Errorf("body request_id = %q, header = %q", body.RequestID, id)
	}
	if body.ErrorCode != string(apierror.KeyNotFound) {
		t.Errorf("error_code = %q", body.ErrorCode)
	}
}

func TestRequestID_IncomingID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		kept     bool
	}{
		{"printable", "edge-7f3a.1", true},
		{"at limit", strings.Repeat("a", maxRequestIDLen), true},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"contains space", "two words", false},
		{"control byte", "id\x01", false},
		{"non ascii", "idé", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromCtx string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fromCtx = GetRequestID(r.Context())
				keyMiss(w, r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/v1/keys/user:1", nil)
			req.Header.Set(HeaderRequestID, tt.incoming)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(HeaderRequestID)
			if kept := got == tt.incoming; kept != tt.kept {
				t.Fatalf("incoming id kept = %v, want %v (got %q)", kept, tt.kept, got)
			}
			if !tt.kept {
				if _, err := uuid.Parse(got); err != nil {
					t.Errorf("replacement id %q is not a UUID", got)
				}
			}
			if fromCtx != got {
				t.Errorf("context id %q != header id %q", fromCtx, got)
			}
			if body := decodeError(t, rec); body.RequestID != got {
				t.Errorf("body request_id = %q, want %q", body.RequestID, got)
			}
		})
	}
}

func TestRequestID_RecoveredPanicCarriesID(t *testing.T) {
	h := RequestID(Recovery(slog.New(slog.NewJSONHandler(io.Discard, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/keys/user:1", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decodeError(t, rec); body.RequestID == "" || body.RequestID != rec.Header().Get(HeaderRequestID) {
		t.Errorf("body request_id = %q, header = %q", body.RequestID, rec.Header().Get(HeaderRequestID))
	}
}

func TestRequestID_DistinctAcrossRequests(t *testing.T) {
	seen := make(map[string]struct{})
	h := RequestID(keyMiss)
	for range 50 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/keys/user:1", nil))
		id := rec.Header().Get(HeaderRequestID)
		if _, dup := seen[id]; dup {
			t.Fatalf("id %s issued twice", id)
		}
		seen[id] = struct{}{}
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if id := GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()); id != "" {
		t.Errorf("GetRequestID = %q, want empty", id)
	}
}
