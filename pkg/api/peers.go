package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/krol69/MeshLink/pkg/network"
)

// PeersResponse contains every peer the node has seen
type PeersResponse struct {
	Success bool               `json:"success"`
	Count   int                `json:"count"`
	Peers   []network.PeerInfo `json:"peers"`
}

// PeerResponse contains one peer
type PeerResponse struct {
	Success bool             `json:"success"`
	Peer    network.PeerInfo `json:"peer"`
}

// KnownPeersResponse contains the reconnect set, least recent first
type KnownPeersResponse struct {
	Success bool                `json:"success"`
	Count   int                 `json:"count"`
	Peers   []network.KnownPeer `json:"peers"`
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	peers, err := s.node.Peers(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PeersResponse{Success: true, Count: len(peers), Peers: peers})
}

// handlePeer handles GET /api/v1/peers/:id
func (s *Server) handlePeer(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	peer, err := s.node.Peer(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PeerResponse{Success: true, Peer: peer})
}

// handleKnownPeers handles GET /api/v1/peers/known
func (s *Server) handleKnownPeers(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	peers, err := s.node.KnownPeers(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, KnownPeersResponse{Success: true, Count: len(peers), Peers: peers})
}

// handleConnect handles POST /api/v1/peers/:id/connect
func (s *Server) handleConnect(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	id := c.Param("id")
	if err := s.node.Connect(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "connecting to " + id})
}

// handleDisconnect handles POST /api/v1/peers/:id/disconnect
func (s *Server) handleDisconnect(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	id := c.Param("id")
	if err := s.node.Disconnect(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "disconnected from " + id})
}
