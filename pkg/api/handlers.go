package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dbreader/pkg/election"
	"dbreader/pkg/models"
)

const maxMessageLength = 4096

type tokenResponse struct {
	Path string `json:"path"`
	Seq  int64  `json:"seq"`
}

type candidateResponse struct {
	InstanceID string        `json:"instance_id"`
	Rank       int           `json:"rank"`
	Token      tokenResponse `json:"token"`
}

// getLeadership handles GET /api/v1/leadership
func (s *Server) getLeadership(c *gin.Context) {
	resp := gin.H{
		"instance_id": s.election.InstanceID(),
		"state":       s.election.State().String(),
		"is_leader":   s.election.IsLeader(),
	}
	if tok, ok := s.election.Token(); ok {
		resp["token"] = tokenResponse{Path: tok.Path, Seq: tok.Seq}
	}
	c.JSON(http.StatusOK, resp)
}

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	leader, err := s.election.Leader(c.Request.Context())
	if errors.Is(err, election.ErrNoLeader) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no candidates registered"})
		return
	}
	if err != nil {
		s.logger.Warn("failed to resolve leader", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordination service unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leader": leader,
		"self":   leader == s.election.InstanceID() && s.election.IsLeader(),
	})
}

// listCandidates handles GET /api/v1/cluster/candidates
func (s *Server) listCandidates(c *gin.Context) {
	candidates, err := s.election.Candidates(c.Request.Context())
	if err != nil {
		s.logger.Warn("failed to list candidates", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordination service unavailable"})
		return
	}

	out := make([]candidateResponse, len(candidates))
	for i, cand := range candidates {
		out[i] = candidateResponse{
			InstanceID: cand.InstanceID,
			Rank:       cand.Rank,
			Token:      tokenResponse{Path: cand.Token.Path, Seq: cand.Token.Seq},
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"candidates": out,
		"count":      len(out),
	})
}

type createRecordRequest struct {
	Message string `json:"message" binding:"required"`
}

// createRecord handles POST /api/v1/records
func (s *Server) createRecord(c *gin.Context) {
	var req createRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" || len(req.Message) > maxMessageLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must be 1-4096 characters"})
		return
	}

	rec := &models.DataRecord{Message: req.Message}
	if err := s.store.Create(c.Request.Context(), rec); err != nil {
		s.logger.Error("failed to create record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create record"})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// countPending handles GET /api/v1/records/pending
func (s *Server) countPending(c *gin.Context) {
	n, err := s.store.CountPending(c.Request.Context())
	if err != nil {
		s.logger.Warn("failed to count pending records", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": n})
}
