package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

type routeHandler struct{ registered bool }

func (h *routeHandler) Register(e *echo.Echo) {
	h.registered = true
	e.GET("/probe", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func TestNewRegistersHandlers(t *testing.T) {
	t.Parallel()
	handler := &routeHandler{}
	srv := New(nil, ":0", handler, nil)
	assert.True(t, handler.registered)

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRecoversFromPanic(t *testing.T) {
	t.Parallel()
	srv := New(nil, ":0")
	srv.Echo().GET("/boom", func(c echo.Context) error { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
