package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opszero/hive/pkg/dispatch"
)

func (s *Server) registerOperatorRoutes(r *gin.Engine) {
	admin := r.Group("/v1", s.requireAdmin)

	admin.GET("/profiles", s.handleListProfiles)
	admin.POST("/profiles", s.handleCreateProfile)
	admin.GET("/profiles/:id", s.handleGetProfile)
	admin.PUT("/profiles/:id", s.handleUpdateProfile)
	admin.DELETE("/profiles/:id", s.handleDeleteProfile)
	admin.POST("/profiles/:id/rotate-key", s.handleRotateKey)

	admin.GET("/agents", s.handleListAgents)
	admin.GET("/agents/:id", s.handleGetAgent)
	admin.DELETE("/agents/:id", s.handleDeactivateAgent)

	admin.POST("/agents/:id/commands", s.handleEnqueueCommand)
	admin.GET("/agents/:id/commands", s.handleListCommands)
	admin.GET("/commands/:id", s.handleGetCommand)
	admin.POST("/commands/:id/cancel", s.handleCancelCommand)
}

func (s *Server) handleListProfiles(c *gin.Context) {
	profiles, err := s.svc.ListProfiles(c.Request.Context(), orgID(c))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, profiles)
}

func (s *Server) handleCreateProfile(c *gin.Context) {
	var in dispatch.ProfileInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondBindError(c, err, s.log)
		return
	}
	created, err := s.svc.CreateProfile(c.Request.Context(), orgID(c), actorOf(c), in)
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetProfile(c *gin.Context) {
	profile, err := s.svc.GetProfile(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	var in dispatch.ProfileInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondBindError(c, err, s.log)
		return
	}
	profile, err := s.svc.UpdateProfile(c.Request.Context(), orgID(c), c.Param("id"), in)
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(c *gin.Context) {
	cascade, _ := strconv.ParseBool(c.Query("cascade"))
	if err := s.svc.DeleteProfile(c.Request.Context(), orgID(c), c.Param("id"), cascade); err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRotateKey(c *gin.Context) {
	rotated, err := s.svc.RotateEnrollmentKey(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, rotated)
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.svc.ListAgents(c.Request.Context(), orgID(c))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleDeactivateAgent(c *gin.Context) {
	agent, err := s.svc.DeactivateAgent(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleEnqueueCommand(c *gin.Context) {
	var req dispatch.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, s.log)
		return
	}
	req.InitiatedBy = actorOf(c)
	cmd, err := s.svc.EnqueueCommand(c.Request.Context(), orgID(c), c.Param("id"), req)
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

func (s *Server) handleListCommands(c *gin.Context) {
	cmds, err := s.svc.ListCommands(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, cmds)
}

func (s *Server) handleGetCommand(c *gin.Context) {
	cmd, err := s.svc.GetCommand(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(c *gin.Context) {
	cmd, err := s.svc.CancelCommand(c.Request.Context(), orgID(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, cmd)
}
