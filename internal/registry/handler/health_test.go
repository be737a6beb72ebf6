package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ruvnet/agent-name-service/internal/health"
	"github.com/ruvnet/agent-name-service/internal/registry/handler"
)

func healthRouter(probes map[string]health.Probe) *gin.Engine {
	gin.SetMode(gin.TestMode)
	checker := health.New(zap.NewNop())
	for name, p := range probes {
		checker.Register(name, p)
	}
	r := gin.New()
	r.GET("/healthz", handler.NewHealthHandler(checker).Healthz)
	return r
}

func TestHealthz_200(t *testing.T) {
	router := healthRouter(map[string]health.Probe{
		"storage": func(context.Context) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHealthz_200_whenDegraded(t *testing.T) {
	router := healthRouter(map[string]health.Probe{
		"storage": func(context.Context) error { return nil },
		"audit":   func(context.Context) error { return errors.New("chain broken") },
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("degraded should still be 200, got %d", w.Code)
	}
}

func TestHealthz_503_whenDown(t *testing.T) {
	router := healthRouter(map[string]health.Probe{
		"storage": func(context.Context) error { return errors.New("down") },
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
