package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/krol69/MeshLink/pkg/network"
)

// NodeInfoResponse contains information about this node
type NodeInfoResponse struct {
	Success        bool      `json:"success"`
	Name           string    `json:"name"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	Encrypted      bool      `json:"encrypted"`
	PeersConnected int       `json:"peersConnected"`
	History        bool      `json:"history"`
	UpSince        time.Time `json:"upSince"`
}

// StatsResponse wraps the engine stats
type StatsResponse struct {
	Success bool          `json:"success"`
	Stats   network.Stats `json:"stats"`
}

// LogsResponse contains the activity log, oldest first
type LogsResponse struct {
	Success bool               `json:"success"`
	Count   int                `json:"count"`
	Entries []network.LogEntry `json:"entries"`
}

// HealthResponse contains node health
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime  string `json:"uptime"`
	Checks  struct {
		Running        bool `json:"running"`
		PeersConnected bool `json:"peersConnected"`
	} `json:"checks"`
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	stats, err := s.node.Stats(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, NodeInfoResponse{
		Success:        true,
		Name:           s.node.Name(),
		Fingerprint:    stats.Fingerprint,
		Encrypted:      stats.Fingerprint != "",
		PeersConnected: stats.PeersConnected,
		History:        s.history != nil,
		UpSince:        s.startedAt,
	})
}

// handleNodeStats handles GET /api/v1/node/stats
func (s *Server) handleNodeStats(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	stats, err := s.node.Stats(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{Success: true, Stats: stats})
}

// handleLogs handles GET /api/v1/node/logs
func (s *Server) handleLogs(c *gin.Context) {
	entries := s.node.Logs()
	c.JSON(http.StatusOK, LogsResponse{Success: true, Count: len(entries), Entries: entries})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	resp := HealthResponse{Success: true, Uptime: time.Since(s.startedAt).Round(time.Second).String()}

	stats, err := s.node.Stats(ctx)
	resp.Checks.Running = err == nil
	resp.Checks.PeersConnected = err == nil && stats.PeersConnected > 0

	code := http.StatusOK
	switch {
	case !resp.Checks.Running:
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !resp.Checks.PeersConnected:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}
	c.JSON(code, resp)
}

// writeError maps node errors onto HTTP statuses
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, network.ErrNotRunning):
		code = http.StatusServiceUnavailable
	case errors.Is(err, network.ErrUnknownPeer):
		code = http.StatusNotFound
	case errors.Is(err, network.ErrEmptyMessage),
		errors.Is(err, network.ErrImageTooLarge),
		errors.Is(err, network.ErrThumbnailTooLarge):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: err.Error()})
}
