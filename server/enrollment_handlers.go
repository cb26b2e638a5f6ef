package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opszero/hive/pkg/auth"
	"github.com/opszero/hive/pkg/fleet"
)

const (
	orgHeader   = "X-Hive-Org-ID"
	actorHeader = "X-Hive-Actor"

	orgContextKey   = "organization_id"
	actorContextKey = "actor"
)

// requireAdmin checks the operator bearer token and resolves the
// organization every operator route is scoped to.
func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "missing bearer token", s.log)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !auth.Equal(token, s.cfg.Server.AdminToken) {
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token", s.log)
		return
	}

	org := strings.TrimSpace(c.GetHeader(orgHeader))
	if org == "" {
		respondError(c, http.StatusBadRequest, string(fleet.ReasonInvalidRequest), orgHeader+" header is required", s.log)
		return
	}
	actor := strings.TrimSpace(c.GetHeader(actorHeader))
	if actor == "" {
		actor = "admin"
	}
	c.Set(orgContextKey, org)
	c.Set(actorContextKey, actor)
	c.Next()
}

func orgID(c *gin.Context) string   { return c.GetString(orgContextKey) }
func actorOf(c *gin.Context) string { return c.GetString(actorContextKey) }

func (s *Server) handleEnroll(c *gin.Context) {
	var req auth.EnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, s.log)
		return
	}

	res, err := s.svc.Enroll(c.Request.Context(), req, c.ClientIP())
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, auth.EnrollmentResponse{
		AgentID:           res.Agent.ID,
		OrganizationID:    res.Agent.OrganizationID,
		Status:            res.Agent.Status,
		Reenrolled:        !res.Created,
		HeartbeatInterval: s.cfg.Enrollment.HeartbeatHintS,
		ServerVersion:     Version,
		Agent:             res.Agent,
	})
}
