// Package router wires HTTP routes to handlers and middleware.
package router

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/gametable/internal/handler"
	"github.com/iliyamo/gametable/internal/middleware"
	"github.com/iliyamo/gametable/internal/utils"
)

// Routes bundles everything RegisterRoutes mounts.  Metrics and Ready are
// optional.
type Routes struct {
	Tables    *handler.TableHandler
	Balances  *handler.BalanceHandler
	JWTSecret string
	// RateLimit guards game actions.
	RateLimit echo.MiddlewareFunc
	Metrics   http.Handler
	Ready     echo.HandlerFunc
}

// RegisterRoutes mounts the health checks, metrics and the /v1 API.
func RegisterRoutes(e *echo.Echo, r Routes) {
	e.GET("/healthz", handler.Health)
	if r.Ready != nil {
		e.GET("/readyz", r.Ready)
	}
	if r.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(r.Metrics))
	}

	v1 := e.Group("/v1", middleware.JWTAuth(r.JWTSecret))
	player := v1.Group("", middleware.RequireRole(utils.RolePlayer, utils.RoleAdmin))

	player.POST("/tables", r.Tables.Open)
	player.GET("/tables/:id", r.Tables.Get)
	player.DELETE("/tables/:id", r.Tables.Close)
	if r.RateLimit != nil {
		player.POST("/tables/:id/actions", r.Tables.Act, r.RateLimit)
	} else {
		player.POST("/tables/:id/actions", r.Tables.Act)
	}

	player.GET("/me/balance", r.Balances.Me)
	player.GET("/me/ledger", r.Balances.History)

	admin := v1.Group("/admin", middleware.RequireRole(utils.RoleAdmin))
	admin.POST("/users/:id/adjust", r.Balances.Adjust)
}
