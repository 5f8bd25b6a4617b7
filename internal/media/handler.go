package media

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves stored media through signed token URLs.
type Handler struct {
	store *Store
}

// NewHandler creates a media HTTP handler over the store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Register registers the media route.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/media/:token", h.Serve)
}

// Serve validates the token and streams the file. All validation failures
// collapse to 404 so tokens cannot be probed.
func (h *Handler) Serve(c echo.Context) error {
	path, err := h.store.Resolve(c.Param("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return c.File(path)
}
