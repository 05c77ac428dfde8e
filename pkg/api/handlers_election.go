package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// getLeadership handles GET /api/v1/election
func (s *Server) getLeadership(c *gin.Context) {
	if s.elector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "this process does not take part in an election"})
		return
	}

	status := s.elector.Status()
	c.JSON(http.StatusOK, gin.H{
		"namespace":   s.elector.Namespace(),
		"connected":   s.elector.Connected(),
		"status":      status.Status,
		"entry":       status.Entry,
		"predecessor": status.Predecessor,
		"leader":      status.Leader,
	})
}

// listCandidates handles GET /api/v1/election/candidates
func (s *Server) listCandidates(c *gin.Context) {
	if s.elector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "this process does not take part in an election"})
		return
	}

	candidates, err := s.elector.Candidates(c.Request.Context())
	if err != nil {
		s.log.Warn("failed to list candidates", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list candidates: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"namespace":  s.elector.Namespace(),
		"candidates": candidates,
		"count":      len(candidates),
	})
}

// listEvents handles GET /api/v1/events?limit=N
func (s *Server) listEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event history is not configured"})
		return
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.events.Recent(c.Request.Context(), limit)
	if err != nil {
		s.log.Warn("failed to read events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// getSnapshot handles GET /api/v1/watch
func (s *Server) getSnapshot(c *gin.Context) {
	if s.watcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "this process does not watch a node"})
		return
	}
	c.JSON(http.StatusOK, s.watcher.Snapshot())
}
