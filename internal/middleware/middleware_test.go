package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestID_MintsWhenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}

func TestRequestID_PropagatesCallerID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "caller-7")
	w := httptest.NewRecorder()

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "caller-7", GetRequestID(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(w, req)

	assert.Equal(t, "caller-7", w.Header().Get(RequestIDHeader))
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "handler panic", logs.All()[0].Message)
}

func TestRecovery_PassesThroughCleanRequests(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTimeout_SetsDeadline(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Context().Deadline()
		assert.True(t, ok)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTimeout_ExpiresSlowHandlers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A well-behaved handler notices the expired budget and reports it.
		<-r.Context().Done()
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestLogging_RecordsOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	req := httptest.NewRequest(http.MethodPost, "/v1/results", nil)
	w := httptest.NewRecorder()

	handler := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	handler.ServeHTTP(w, req)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "http request", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, int64(http.StatusCreated), fields["status"])
	assert.Equal(t, "/v1/results", fields["path"])
}

type captureSink struct {
	method string
	route  string
	status int
}

func (s *captureSink) ObserveHTTP(method, route string, status int, _ time.Duration) {
	s.method, s.route, s.status = method, route, status
}

func TestMetrics_UsesRoutePatternLabel(t *testing.T) {
	sink := &captureSink{}

	r := chi.NewRouter()
	r.Use(Metrics(sink))
	r.Get("/v1/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/records/doc-123", nil))

	assert.Equal(t, http.MethodGet, sink.method)
	assert.Equal(t, "/v1/records/{id}", sink.route)
	assert.Equal(t, http.StatusOK, sink.status)
}

func TestMetrics_FallsBackToPathOutsideRouter(t *testing.T) {
	sink := &captureSink{}
	w := httptest.NewRecorder()

	handler := Metrics(sink)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, "/nowhere", sink.route)
	assert.Equal(t, http.StatusNotFound, sink.status)
}
