// Package api is the thin REST control surface over the engine: queue
// commands, history, speed limit, and a Server-Sent-Events stream of the
// event bus. The engine itself never depends on this package.
package api

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/nzbcore/gonzbd/internal/app"
)

// RegisterRoutes installs middleware and the control endpoints on e.
func RegisterRoutes(e *echo.Echo, a *app.Context) {
	e.Use(middleware.Recover())

	// Every request gets an id so log lines can be correlated.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			rid := c.Request().Header.Get("X-Request-ID")
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Response().Header().Set("X-Request-ID", rid)
			return next(c)
		}
	})

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			a.Log.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	ctrl := &Controller{App: a}

	e.POST("/api/downloads", ctrl.Add)
	e.GET("/api/downloads", ctrl.List)
	e.GET("/api/downloads/:id", ctrl.Get)
	e.POST("/api/downloads/:id/pause", ctrl.Pause)
	e.POST("/api/downloads/:id/resume", ctrl.Resume)
	e.DELETE("/api/downloads/:id", ctrl.Cancel)
	e.PUT("/api/downloads/:id/priority", ctrl.SetPriority)

	e.POST("/api/queue/pause", ctrl.PauseAll)
	e.POST("/api/queue/resume", ctrl.ResumeAll)

	e.GET("/api/history", ctrl.History)
	e.PUT("/api/speedlimit", ctrl.SetSpeedLimit)
	e.GET("/api/events", ctrl.Events)
}
