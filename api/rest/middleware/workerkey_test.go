package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func request(t *testing.T, key, header string) int {
	t.Helper()

	e := echo.New()
	g := e.Group("/internal", WorkerKey(key))
	g.POST("/sweeps/:name", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/internal/sweeps/reclaim_stuck", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	return rec.Code
}

func TestWorkerKey(t *testing.T) {
	assert.Equal(t, http.StatusOK, request(t, "sekrit", "Worker-Key sekrit"))
	assert.Equal(t, http.StatusUnauthorized, request(t, "sekrit", "Worker-Key wrong"))
	assert.Equal(t, http.StatusUnauthorized, request(t, "sekrit", "Bearer sekrit"))
	assert.Equal(t, http.StatusUnauthorized, request(t, "sekrit", ""))

	// an unset key locks the surface rather than opening it
	assert.Equal(t, http.StatusUnauthorized, request(t, "", "Worker-Key "))
}
