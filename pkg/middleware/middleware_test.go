package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/pkg/logging"
)

type recordingLogger struct {
	mu      sync.Mutex
	infos   []string
	errs    []string
	traceID string
}

func (l *recordingLogger) InfowCtx(ctx context.Context, msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
	l.traceID = logging.GetTraceID(ctx)
}

func (l *recordingLogger) ErrorwCtx(_ context.Context, msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func newRouter(log *recordingLogger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(), RecoveryMiddleware(log), LoggerMiddleware(log))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func TestRequestID_PropagatesToLogContext(t *testing.T) {
	log := &recordingLogger{}
	r := newRouter(log)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-42", log.traceID)
}

func TestRequestID_Generated(t *testing.T) {
	r := newRouter(&recordingLogger{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRecovery_Returns500(t *testing.T) {
	log := &recordingLogger{}
	r := newRouter(log)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	require.NotEmpty(t, log.errs)
	assert.Equal(t, "Panic recovered", log.errs[0])
}
