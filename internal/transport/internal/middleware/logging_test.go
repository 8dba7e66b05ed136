package middleware

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// testLogHandler captures log entries for testing.
type testLogHandler struct {
	mu      *sync.Mutex
	entries *[]map[string]any
}

func newTestLogger() (*slog.Logger, func() []map[string]any) {
	entries := make([]map[string]any, 0)
	h := &testLogHandler{mu: &sync.Mutex{}, entries: &entries}
	return slog.New(h), func() []map[string]any {
		h.mu.Lock()
		defer h.mu.Unlock()
		return append([]map[string]any(nil), entries...)
	}
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	entry := map[string]any{
		"level":   r.Level.String(),
		"message": r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.entries = append(*h.entries, entry)
	h.mu.Unlock()
	return nil
}

func (h *testLogHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

func TestLogging_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int64
	}{
		{
			name: "explicit status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			},
			wantStatus: http.StatusTeapot,
		},
		{
			name: "implicit 200 on write",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("ok"))
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "nothing written",
			handler:    func(w http.ResponseWriter, r *http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, entries := newTestLogger()
			handler := NewLoggingMiddleware(logger)(tt.handler)

			req := httptest.NewRequest(http.MethodPost, "/api/test", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			got := entries()
			if len(got) != 1 {
				t.Fatalf("got %d log entries, want 1", len(got))
			}
			entry := got[0]
			if entry["message"] != "http request" {
				t.Errorf("message = %v", entry["message"])
			}
			if entry["method"] != http.MethodPost {
				t.Errorf("method = %v, want POST", entry["method"])
			}
			if entry["path"] != "/api/test" {
				t.Errorf("path = %v, want /api/test", entry["path"])
			}
			if entry["status"] != tt.wantStatus {
				t.Errorf("status = %v (%T), want %d", entry["status"], entry["status"], tt.wantStatus)
			}
			if d, ok := entry["duration_ms"].(int64); !ok || d < 0 {
				t.Errorf("duration_ms = %v", entry["duration_ms"])
			}
		})
	}
}

func TestLogging_PassesThroughResponse(t *testing.T) {
	t.Parallel()

	logger, _ := newTestLogger()
	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "v")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("body"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if w.Header().Get("X-Custom") != "v" {
		t.Error("custom header lost")
	}
	if w.Body.String() != "body" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestLogging_NilLogger(t *testing.T) {
	t.Parallel()

	handler := NewLoggingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

// hijackRecorder is a ResponseRecorder that supports hijacking.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	server, client := net.Pipe()
	_ = client.Close()
	return server, nil, nil
}

func TestResponseWriter_Passthrough(t *testing.T) {
	t.Parallel()

	t.Run("hijack supported", func(t *testing.T) {
		t.Parallel()
		rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
		rw := wrapWriter(rec)

		conn, _, err := http.NewResponseController(rw).Hijack()
		if err != nil {
			t.Fatalf("Hijack() error = %v", err)
		}
		_ = conn.Close()
		if !rec.hijacked {
			t.Error("underlying writer was not hijacked")
		}
	})

	t.Run("hijack unsupported", func(t *testing.T) {
		t.Parallel()
		rw := wrapWriter(httptest.NewRecorder())
		if _, _, err := rw.Hijack(); err == nil {
			t.Error("Hijack() error = nil, want error")
		}
	})

	t.Run("flush", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		rw := wrapWriter(rec)
		rw.Flush()
		if !rec.Flushed {
			t.Error("recorder was not flushed")
		}
		if rw.statusCode != http.StatusOK || !rw.written {
			t.Error("flush did not mark the response as started")
		}
	})

	t.Run("wrap is idempotent", func(t *testing.T) {
		t.Parallel()
		rw := wrapWriter(httptest.NewRecorder())
		if wrapWriter(rw) != rw {
			t.Error("wrapWriter re-wrapped a responseWriter")
		}
	})
}

type recordingObserver struct {
	method string
	status int
	d      time.Duration
	calls  int
}

func (o *recordingObserver) ObserveRequest(method string, status int, d time.Duration) {
	o.method, o.status, o.d = method, status, d
	o.calls++
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	handler := NewMetricsMiddleware(obs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/", nil))

	if obs.calls != 1 {
		t.Fatalf("calls = %d, want 1", obs.calls)
	}
	if obs.method != http.MethodPut || obs.status != http.StatusAccepted {
		t.Errorf("observed %s %d, want PUT 202", obs.method, obs.status)
	}
	if obs.d < 0 {
		t.Errorf("duration = %v", obs.d)
	}
}
