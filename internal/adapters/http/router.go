// Package http wires the gin surface: health and readiness probes,
// Prometheus metrics, the signaling WebSocket upgrade, the MH heartbeat
// ingest, client unreachability reports and operator endpoints.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/adapters/signal"
	"github.com/dkeye/Conclave/internal/app"
	"github.com/dkeye/Conclave/internal/app/mh"
	"github.com/dkeye/Conclave/internal/app/quorum"
	"github.com/dkeye/Conclave/internal/config"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

type Deps struct {
	Cfg      *config.Config
	Control  *app.Controller
	Signal   *signal.Handler
	Registry *mh.Registry
	Quorum   *quorum.Tracker
}

func SetupRouter(deps Deps) *gin.Engine {
	if deps.Cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if deps.Cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", handleReadyz(deps.Control))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.GET("/ws/signal", deps.Signal.HandleSignal)
	api.POST("/mh/heartbeat", handleHeartbeat(deps.Registry))
	api.POST("/unreachable", handleUnreachable(deps.Quorum))

	admin := r.Group("/admin")
	admin.POST("/drain", handleDrain(deps.Control, deps.Cfg.Drain.Grace))
	admin.POST("/takeover", handleTakeover(deps.Control))
	admin.POST("/quarantine/clear", handleClearQuarantine(deps.Control))

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func handleReadyz(control *app.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := control.Status()
		code := http.StatusOK
		if status != app.StatusReady {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": string(status), "meetings": control.MeetingCount()})
	}
}

type heartbeatRequest struct {
	MHID          domain.MHID          `json:"mh_id" binding:"required"`
	FailureDomain domain.FailureDomain `json:"failure_domain" binding:"required"`
	Addr          string               `json:"addr" binding:"required"`
	Load          float64              `json:"load"`
}

func handleHeartbeat(reg *mh.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req heartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid heartbeat fields"})
			return
		}
		if req.Load < 0 || req.Load > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "load must be within [0,1]"})
			return
		}
		reg.ReportHeartbeat(req.MHID, req.FailureDomain, req.Addr, req.Load)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type unreachableRequest struct {
	Suspect       domain.InstanceID    `json:"suspect_instance" binding:"required"`
	MeetingID     domain.MeetingID     `json:"meeting_id" binding:"required"`
	ParticipantID domain.ParticipantID `json:"participant_id" binding:"required"`
}

// handleUnreachable ingests a client report that its coordinator
// instance stopped answering. Reports are tallied per suspect; a quorum
// of distinct participants triggers takeover. Reports for meetings the
// store has never seen are refused outright.
func handleUnreachable(tracker *quorum.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req unreachableRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid report fields"})
			return
		}
		reached, err := tracker.Report(c.Request.Context(), req.Suspect, req.MeetingID, req.ParticipantID)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{
				"quorum_reached": reached,
				"pending":        tracker.Pending(req.Suspect, req.MeetingID),
			})
		case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrMeetingEnded):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown meeting"})
		case errors.Is(err, quorum.ErrNoReporters):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
	}
}

func handleDrain(control *app.Controller, grace time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		go control.Drain(grace)
		c.JSON(http.StatusAccepted, gin.H{"status": "draining"})
	}
}

type takeoverRequest struct {
	Instance domain.InstanceID `json:"instance" binding:"required"`
}

func handleTakeover(control *app.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req takeoverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing instance"})
			return
		}
		n, err := control.TakeOver(c.Request.Context(), req.Instance)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "taken": n})
			return
		}
		c.JSON(http.StatusOK, gin.H{"taken": n})
	}
}

type quarantineRequest struct {
	MeetingID domain.MeetingID `json:"meeting_id" binding:"required"`
}

func handleClearQuarantine(control *app.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req quarantineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing meeting_id"})
			return
		}
		if !control.ClearQuarantine(req.MeetingID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not quarantined"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	}
}
