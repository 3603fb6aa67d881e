package relay

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxEnvelopeBytes = 1 << 20

// HandleStream serves envelopes as Server-Sent Events. Once the hub is
// closed new requests get 204 No Content, which tells clients to stop.
func (h *Hub) HandleStream(c *gin.Context) {
	if !h.authorized(c.GetHeader("Authorization"), c.Query("token")) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	cl, err := h.register(kindPush)
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}
	defer h.unregister(cl)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryAfter.Milliseconds())
	w.Flush()

	keepAlive := time.NewTicker(h.cfg.KeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.done:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			w.Flush()
		case data := <-cl.send:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			w.Flush()
		}
	}
}

// PublishResponse is returned by HandlePublish
type PublishResponse struct {
	ID        string `json:"id"`
	Delivered int    `json:"delivered"`
}

// HandlePublish broadcasts the envelope in the request body to every client
func (h *Hub) HandlePublish(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvelopeBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env, err := message.Decode(body)
	if err != nil {
		h.logger.Warn("invalid publish request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = message.SourceSystem
	}

	delivered, err := h.Broadcast(env)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, PublishResponse{ID: env.ID, Delivered: delivered})
}

// RegisterRoutes mounts the relay endpoints on group
func (h *Hub) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/ws", h.HandleSocket)
	group.GET("/sse", h.HandleStream)
	group.POST("/events", h.HandlePublish)
}
