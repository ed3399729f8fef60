package http

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/deskrtc/internal/app"
	"github.com/dkeye/deskrtc/internal/domain"
	"github.com/dkeye/deskrtc/internal/metrics"
)

type Controller struct {
	ctx     context.Context
	reg     *app.Registry
	limiter *ConnectLimiter
}

type ConnectResponse struct {
	SessionID domain.SessionID `json:"session_id"`
	Status    domain.Status    `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func desktopParam(c *gin.Context) (domain.DesktopID, bool) {
	desktop, err := domain.NewDesktopID(c.Param("desktop"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return "", false
	}
	return desktop, true
}

// Connect discards any session of the desktop and starts a new one.
func (ctl *Controller) Connect(c *gin.Context) {
	desktop, ok := desktopParam(c)
	if !ok {
		return
	}
	if ok, wait := ctl.limiter.Allow(desktop); !ok {
		metrics.ControlRequestsRejected.Inc()
		log.Warn().Str("module", "adapters.http").Str("desktop", string(desktop)).Dur("retry_after", wait).Msg("connect rate limited")
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: "too many connect attempts"})
		return
	}

	s, err := ctl.reg.Connect(ctl.ctx, desktop)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("desktop", string(desktop)).Msg("session create failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, ConnectResponse{SessionID: s.ID(), Status: s.Status()})
}

func (ctl *Controller) Get(c *gin.Context) {
	desktop, ok := desktopParam(c)
	if !ok {
		return
	}
	snap, found := ctl.reg.Get(desktop)
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no session"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (ctl *Controller) Disconnect(c *gin.Context) {
	desktop, ok := desktopParam(c)
	if !ok {
		return
	}
	if !ctl.reg.Disconnect(desktop) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no session"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (ctl *Controller) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": ctl.reg.List()})
}
