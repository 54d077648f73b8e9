package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is the liveness check.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// Ready returns a readiness handler that runs every check with a short
// timeout and answers 503 listing the failing dependencies.
func Ready(checks map[string]Check) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		failing := []string{}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				failing = append(failing, name)
			}
		}
		if len(failing) > 0 {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "failing": failing})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	}
}
