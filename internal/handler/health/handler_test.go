package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReadiness(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	broken := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	w := serve(NewHandler(map[string]Pinger{"database": ok}), "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(NewHandler(map[string]Pinger{"database": ok, "redis": broken}), "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
	assert.Contains(t, w.Body.String(), "redis")
}

func TestLiveness(t *testing.T) {
	broken := pingFunc(func(context.Context) error { return errors.New("down") })
	w := serve(NewHandler(map[string]Pinger{"database": broken}), "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
}
