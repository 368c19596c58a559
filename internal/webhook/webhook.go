// Package webhook exposes the HTTP surface by which external systems
// deliver signals into a running cascade (spec.md §4.8, §6): human
// approvals, sensor polls, and arbitrary webhook callbacks all resolve
// through the same endpoint, backed by signal.Manager's durable Store.
// Grounded on the teacher's gin.Context handler shape (pkg/api/handlers.go).
package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cascaderun/cascade/signal"
)

// Server wires a signal.Store into a gin router.
type Server struct {
	store signal.Store
}

// NewServer builds a webhook Server backed by store.
func NewServer(store signal.Store) *Server {
	return &Server{store: store}
}

// Register mounts the webhook routes on router.
func (s *Server) Register(router gin.IRouter) {
	router.POST("/signals/:cascade_id/:session_id/:signal_name", s.deliverSignal)
	router.GET("/healthz", s.health)
}

type deliverSignalRequest struct {
	Value any `json:"value"`
}

// deliverSignal handles POST /signals/{cascade_id}/{session_id}/{signal_name}.
// cascade_id is accepted for routing/auth by a caller-supplied reverse proxy
// but is not itself part of the Store key, since a session id already
// uniquely scopes a running cascade instance.
func (s *Server) deliverSignal(c *gin.Context) {
	sessionID := c.Param("session_id")
	signalName := c.Param("signal_name")

	var req deliverSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.Resolve(c.Request.Context(), sessionID, signalName, req.Value); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
