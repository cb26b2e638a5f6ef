package main

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opszero/hive/pkg/dispatch"
	"github.com/opszero/hive/pkg/fleet"
)

// maxTelemetryBytes caps heartbeat bodies.
const maxTelemetryBytes = 64 << 10

// registerAgentRoutes mounts the endpoints agents call. They are throttled
// per agent but not authenticated here; agent credentials are handled in
// front of this service.
func (s *Server) registerAgentRoutes(r *gin.Engine) {
	g := r.Group("/v1")
	g.POST("/enroll", s.rateLimit, s.handleEnroll)
	g.POST("/agents/:id/heartbeat", s.rateLimit, s.handleHeartbeat)
	g.GET("/agents/:id/commands/pending", s.rateLimit, s.handlePendingCommands)
	// The path carries the command id here, so the reporting agent is taken
	// from the body once it is bound.
	g.PUT("/commands/:id/status", s.handleCommandStatus)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTelemetryBytes))
	if err != nil {
		respondBindError(c, err, s.log)
		return
	}
	telemetry, err := fleet.DecodeTelemetry(raw)
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}

	agent, err := s.svc.Heartbeat(c.Request.Context(), c.Param("id"), telemetry)
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                "ok",
		"agent_status":          agent.Status,
		"poll_interval_seconds": s.cfg.Commands.PollIntervalHint,
	})
}

func (s *Server) handlePendingCommands(c *gin.Context) {
	cmds, err := s.svc.PendingCommands(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, cmds)
}

func (s *Server) handleCommandStatus(c *gin.Context) {
	var req dispatch.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, s.log)
		return
	}
	key := req.AgentID
	if key == "" {
		key = c.ClientIP()
	}
	if !s.admit(c, key) {
		return
	}
	res, err := s.svc.Acknowledge(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, res)
}
