// Package http exposes the session registry as a small control API.
package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/deskrtc/internal/app"
	"github.com/dkeye/deskrtc/internal/config"
)

// SetupRouter wires the control API. ctx bounds every session started
// through it.
func SetupRouter(ctx context.Context, cfg *config.Config, reg *app.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := &Controller{
		ctx:     ctx,
		reg:     reg,
		limiter: NewConnectLimiter(cfg.Limiter.Attempts, cfg.Limiter.Interval),
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/sessions", ctl.List)

	desktop := api.Group("/desktops/:desktop/session")
	desktop.POST("", ctl.Connect)
	desktop.GET("", ctl.Get)
	desktop.DELETE("", ctl.Disconnect)
	desktop.GET("/ws", ctl.StatusStream)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
