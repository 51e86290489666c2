package middleware_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mediaq/internal/infrastructure/delivery/http/middleware"
	"mediaq/internal/observability"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRecoverer(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantPanic  bool
		wantStatus int
		wantBody   string
	}{
		{
			name: "handler succeeds",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("job"))
			},
			wantStatus: http.StatusOK,
			wantBody:   "job",
		},
		{
			name:       "string panic becomes 500",
			handler:    func(http.ResponseWriter, *http.Request) { panic("boom") },
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Internal Server Error",
		},
		{
			name:       "error panic becomes 500",
			handler:    func(http.ResponseWriter, *http.Request) { panic(errors.New("boom")) },
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Internal Server Error",
		},
		{
			name: "panic after the response started keeps it",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				panic("boom")
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:      "abort handler is re-raised",
			handler:   func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) },
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			func() {
				defer func() {
					recovered := recover()
					if tt.wantPanic && recovered != http.ErrAbortHandler { //nolint:errorlint // identity check
						t.Errorf("recovered %v, want http.ErrAbortHandler", recovered)
					}

					if !tt.wantPanic && recovered != nil {
						t.Errorf("unexpected panic %v", recovered)
					}
				}()

				middleware.Recoverer(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
			}()

			if tt.wantPanic {
				return
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer

	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(previous) })

	req := httptest.NewRequest(http.MethodPost, "http://localhost/v1/jobs?wait=1", strings.NewReader(`{"url":"x"}`))
	req.RemoteAddr = "10.0.0.7:51234"

	rec := httptest.NewRecorder()
	middleware.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var entry struct {
		Level   string                `json:"level"`
		Msg     string                `json:"msg"`
		Request middleware.RequestLog `json:"request"`
	}

	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry %q: %v", buf.String(), err)
	}

	want := middleware.RequestLog{
		Method:        http.MethodPost,
		URI:           "http://localhost/v1/jobs?wait=1",
		RemoteAddr:    "10.0.0.7:51234",
		Proto:         "HTTP/1.1",
		ContentLength: int64(len(`{"url":"x"}`)),
	}

	if entry.Level != "DEBUG" || entry.Msg != "http request" {
		t.Errorf("entry = %s %q, want DEBUG \"http request\"", entry.Level, entry.Msg)
	}

	if entry.Request != want {
		t.Errorf("request = %+v, want %+v", entry.Request, want)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		check  func(id string) bool
	}{
		{
			name:   "propagates the caller's id",
			header: "req-42",
			check:  func(id string) bool { return id == "req-42" },
		},
		{
			name: "generates a uuid",
			check: func(id string) bool {
				_, err := uuid.Parse(id)

				return err == nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string

			next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen, _ = r.Context().Value(middleware.RequestIDKey).(string)
			})

			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set(middleware.HeaderXRequestID, tt.header)
			}

			rec := httptest.NewRecorder()
			middleware.RequestID(next).ServeHTTP(rec, req)

			if !tt.check(seen) {
				t.Errorf("context request id = %q", seen)
			}

			if got := rec.Header().Get(middleware.HeaderXRequestID); got != seen {
				t.Errorf("response header = %q, want %q", got, seen)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write([]byte("job"))
	})

	handler := middleware.Metrics(metrics)(mux)

	for _, path := range []string{"/v1/jobs/a", "/v1/jobs/b", "/v1/jobs/missing", "/nowhere"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	tests := []struct {
		path   string
		status string
		want   float64
	}{
		{path: "GET /v1/jobs/{id}", status: "200", want: 2},
		{path: "GET /v1/jobs/{id}", status: "404", want: 1},
		{path: "unmatched", status: "404", want: 1},
	}

	for _, tt := range tests {
		var metric dto.Metric
		if err := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, tt.path, tt.status).Write(&metric); err != nil {
			t.Fatal(err)
		}

		if got := metric.GetCounter().GetValue(); got != tt.want {
			t.Errorf("requests{path=%q,status=%s} = %v, want %v", tt.path, tt.status, got, tt.want)
		}
	}
}

func TestMetricsKeepsFlusher(t *testing.T) {
	metrics := observability.New(prometheus.NewRegistry())

	handler := middleware.Metrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data: ping\n\n"))

		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("flush through the recorder: %v", err)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))

	if !rec.Flushed {
		t.Error("response was not flushed")
	}
}
