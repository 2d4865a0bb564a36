package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/krol69/MeshLink/pkg/network"
	"github.com/krol69/MeshLink/pkg/protocol"
	"github.com/krol69/MeshLink/pkg/storage"
)

// SendTextRequest is the body of POST /api/v1/messages
type SendTextRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendImageRequest is the body of POST /api/v1/messages/image. Image and
// thumbnail are base64 in JSON.
type SendImageRequest struct {
	Image     []byte `json:"image" binding:"required"`
	Thumbnail []byte `json:"thumbnail,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// SendResponse carries the mesh id of a sent message
type SendResponse struct {
	Success   bool   `json:"success"`
	ID        string `json:"id"`
	Encrypted bool   `json:"encrypted"`
}

// HistoryResponse contains stored messages, oldest first
type HistoryResponse struct {
	Success  bool                     `json:"success"`
	Count    int                      `json:"count"`
	Messages []*storage.StoredMessage `json:"messages"`
}

// StatusResponse reports delivery of a sent message
type StatusResponse struct {
	Success bool                   `json:"success"`
	Record  network.OutboundRecord `json:"record"`
}

// TypingResponse lists who is typing
type TypingResponse struct {
	Success bool     `json:"success"`
	Names   []string `json:"names"`
}

// NotifyTypingResponse reports whether a typing notice went out
type NotifyTypingResponse struct {
	Success bool `json:"success"`
	Sent    bool `json:"sent"`
}

// handleSendText handles POST /api/v1/messages
func (s *Server) handleSendText(c *gin.Context) {
	var req SendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	id, err := s.node.SendText(ctx, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}

	encrypted := s.node.Fingerprint() != ""
	if s.history != nil {
		s.history.RecordSent(id, s.node.Name(), storage.KindText, strings.TrimSpace(req.Text), nil, encrypted)
	}
	c.JSON(http.StatusOK, SendResponse{Success: true, ID: id, Encrypted: encrypted})
}

// handleSendImage handles POST /api/v1/messages/image
func (s *Server) handleSendImage(c *gin.Context) {
	var req SendImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	id, err := s.node.SendImageWithThumbnail(ctx, req.Image, req.Thumbnail, req.Caption)
	if err != nil {
		writeError(c, err)
		return
	}

	encrypted := s.node.Fingerprint() != ""
	if s.history != nil {
		caption := strings.TrimSpace(req.Caption)
		if caption == "" {
			caption = protocol.DefaultImageCaption
		}
		s.history.RecordSent(id, s.node.Name(), storage.KindImage, caption, req.Image, encrypted)
	}
	c.JSON(http.StatusOK, SendResponse{Success: true, ID: id, Encrypted: encrypted})
}

// handleHistory handles GET /api/v1/messages?limit=N
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "History disabled"})
		return
	}

	limit := s.config.HistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a positive number",
			})
			return
		}
		limit = n
	}

	messages, err := s.history.Recent(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Success: true, Count: len(messages), Messages: messages})
}

// handleMessageStatus handles GET /api/v1/messages/:id/status
func (s *Server) handleMessageStatus(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	record, ok, err := s.node.Outbound(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown message", Message: c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Success: true, Record: record})
}

// handleTyping handles GET /api/v1/typing
func (s *Server) handleTyping(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	names, err := s.node.Typing(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TypingResponse{Success: true, Names: names})
}

// handleNotifyTyping handles POST /api/v1/typing
func (s *Server) handleNotifyTyping(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	sent, err := s.node.NotifyTyping(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NotifyTypingResponse{Success: true, Sent: sent})
}
