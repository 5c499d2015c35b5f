package server

import "github.com/labstack/echo/v4"

// MountEcho serves r from an existing echo application under r's base path.
func MountEcho(e *echo.Echo, r *Router) {
	h := echo.WrapHandler(r.Handler())
	base := r.BasePath()
	e.Any(base, h)
	e.Any(base+"/*", h)
}
