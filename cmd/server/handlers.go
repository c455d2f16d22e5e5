package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shep95/maldek-sub002/internal/auth"
	"github.com/shep95/maldek-sub002/internal/types"
)

type createSpaceBody struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) handleCreateSpace(c *gin.Context) {
	var body createSpaceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	space, err := s.registry.CreateSpace(c.Request.Context(), currentUser(c), body.Title, body.Description)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, space)
}

func (s *Server) handleListSpaces(c *gin.Context) {
	spaces, err := s.registry.ListLiveSpaces(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spaces": spaces})
}

func (s *Server) handleGetSpace(c *gin.Context) {
	space, err := s.registry.GetSpace(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, space)
}

func (s *Server) handleJoinSpace(c *gin.Context) {
	p, err := s.registry.JoinSpace(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleLeaveSpace(c *gin.Context) {
	if err := s.registry.LeaveSpace(c.Request.Context(), c.Param("id"), currentUser(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEndSpace(c *gin.Context) {
	space, err := s.registry.EndSpace(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, space)
}

type changeRoleBody struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

func (s *Server) handleChangeRole(c *gin.Context) {
	var body changeRoleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	p, err := s.registry.ChangeRole(c.Request.Context(), currentUser(c), c.Param("id"), body.UserID, types.Role(body.Role))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleRequestSpeaker(c *gin.Context) {
	req, err := s.registry.RequestSpeaker(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleListPending(c *gin.Context) {
	reqs, err := s.registry.ListPending(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

type resolveBody struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleResolveRequest(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	req, err := s.registry.ResolveRequest(c.Request.Context(), currentUser(c), c.Param("id"), body.Accept)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleRoster(c *gin.Context) {
	payload, err := s.rosterPayload(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleSpaceLog(c *gin.Context) {
	spaceID := c.Param("id")
	if _, err := s.registry.GetSpace(c.Request.Context(), spaceID); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": s.spaceLog.Recent(spaceID)})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.registry.Stats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"registry":          stats,
		"connections":       s.hub.ConnCount(""),
		"presence":          s.presence.ConnectionCount(),
		"dropped_broadcast": s.hub.DroppedMessages(),
	})
}

type mintTokenBody struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleMintToken(c *gin.Context) {
	var body mintTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	token, err := auth.Mint(s.secret, body.UserID, s.cfg.TokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
