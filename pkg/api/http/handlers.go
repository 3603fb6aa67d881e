package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aescanero/dagomon/internal/application/monitoring"
	"github.com/aescanero/dagomon/pkg/message"
	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateConnectionRequest represents a connection creation request
type CreateConnectionRequest struct {
	ID                   string   `json:"id" binding:"required"`
	URL                  string   `json:"url" binding:"required"`
	Protocols            []string `json:"protocols"`
	AuthToken            string   `json:"authToken"`
	Fallback             bool     `json:"fallback"`
	MaxReconnectAttempts *int     `json:"maxReconnectAttempts"`
	ReconnectDelayMs     int64    `json:"reconnectDelayMs"`
	HeartbeatIntervalMs  int64    `json:"heartbeatIntervalMs"`
	MessageTimeoutMs     int64    `json:"messageTimeoutMs"`
	Compression          *bool    `json:"compression"`
}

// ConnectionConfig applies the request on top of the default connection
// config. Zero durations keep their defaults; negative ones are left for
// validation to reject.
func (r CreateConnectionRequest) ConnectionConfig() ports.ConnectionConfig {
	cfg := ports.DefaultConnectionConfig(r.URL)
	cfg.Protocols = r.Protocols
	cfg.AuthToken = r.AuthToken
	if r.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *r.MaxReconnectAttempts
	}
	if r.ReconnectDelayMs != 0 {
		cfg.ReconnectDelay = time.Duration(r.ReconnectDelayMs) * time.Millisecond
	}
	if r.HeartbeatIntervalMs != 0 {
		cfg.HeartbeatInterval = time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
	}
	if r.MessageTimeoutMs != 0 {
		cfg.MessageTimeout = time.Duration(r.MessageTimeoutMs) * time.Millisecond
	}
	if r.Compression != nil {
		cfg.CompressionEnabled = *r.Compression
	}
	return cfg
}

// ConnectionResponse represents one connection
type ConnectionResponse struct {
	ID    string                `json:"id"`
	State ports.ConnectionState `json:"state"`
}

// SendMessageResponse reports whether an envelope went out immediately
type SendMessageResponse struct {
	ID   string `json:"id"`
	Sent bool   `json:"sent"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func errorJSON(c *gin.Context, status int, code, msg string) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: msg,
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	if s.relay != nil && s.relay.Closed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	status := s.health.GetStatus()
	code := http.StatusOK
	label := "healthy"
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		label = "unhealthy"
	}

	c.JSON(code, gin.H{
		"status":    label,
		"timestamp": status.Timestamp.UTC().Format(time.RFC3339),
		"checks": gin.H{
			"connections":        status.Connections,
			"active_connections": status.ActiveConnections,
			"reconnecting":       status.Reconnecting,
			"failed":             status.FailedConnections,
			"subscribers":        status.Subscribers,
		},
	})
}

// handleCreateConnection handles connection creation
func (s *Server) handleCreateConnection(c *gin.Context) {
	var req CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	err := s.manager.CreateConnection(c.Request.Context(), req.ID, req.ConnectionConfig(), req.Fallback)
	switch {
	case errors.Is(err, monitoring.ErrConnectionExists):
		errorJSON(c, http.StatusConflict, "CONNECTION_EXISTS", err.Error())
		return
	case errors.Is(err, monitoring.ErrInvalidConfig):
		errorJSON(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	case err != nil:
		s.logger.Error("failed to create connection", zap.String("connection_id", req.ID), zap.Error(err))
		errorJSON(c, http.StatusUnprocessableEntity, "CONNECTION_FAILED", err.Error())
		return
	}

	state, _ := s.manager.ConnectionState(req.ID)
	c.JSON(http.StatusCreated, ConnectionResponse{ID: req.ID, State: state})
}

// handleListConnections handles listing connections
func (s *Server) handleListConnections(c *gin.Context) {
	ids := s.manager.ConnectionIDs()
	connections := make([]ConnectionResponse, 0, len(ids))
	for _, id := range ids {
		if state, ok := s.manager.ConnectionState(id); ok {
			connections = append(connections, ConnectionResponse{ID: id, State: state})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"connections": connections,
		"total":       len(connections),
	})
}

// handleGetConnection handles getting one connection's state
func (s *Server) handleGetConnection(c *gin.Context) {
	id := c.Param("id")

	state, ok := s.manager.ConnectionState(id)
	if !ok {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "Connection not found")
		return
	}

	c.JSON(http.StatusOK, ConnectionResponse{ID: id, State: state})
}

// handleCloseConnection handles closing a connection
func (s *Server) handleCloseConnection(c *gin.Context) {
	id := c.Param("id")

	if err := s.manager.CloseConnection(id); err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// handleSendMessage handles sending an envelope over a connection
func (s *Server) handleSendMessage(c *gin.Context) {
	id := c.Param("id")

	if _, ok := s.manager.ConnectionState(id); !ok {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "Connection not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	env, err := message.Decode(body)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_ENVELOPE", err.Error())
		return
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	sent := s.manager.SendMessage(id, env)
	c.JSON(http.StatusAccepted, SendMessageResponse{ID: env.ID, Sent: sent})
}

// handleStatistics handles manager statistics requests
func (s *Server) handleStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.GetStatistics())
}
