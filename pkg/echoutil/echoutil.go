// Package echoutil holds the echo wiring shared by both daemons.
package echoutil

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// SetLevel maps a loglevel flag value onto echo's logger.
func SetLevel(e *echo.Echo, level string) {
	switch level {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.INFO)
	}
}

// LogHandlerFunc logs each request line after the handler ran.
func LogHandlerFunc(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		req := c.Request()
		c.Logger().Infof(
			"%s %s -> %d", req.Method, req.URL.Path, c.Response().Status,
		)
		return err
	}
}
