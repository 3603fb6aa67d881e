package relay

import (
	"net/http"
	"time"

	"github.com/aescanero/dagomon/pkg/message"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleSocket upgrades the request and relays envelopes over a websocket
func (h *Hub) HandleSocket(c *gin.Context) {
	if !h.authorized(c.GetHeader("Authorization"), c.Query("token")) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	cl, err := h.register(kindSocket)
	if err != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(cl)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	readDone := make(chan struct{})
	go h.readSocket(cl, conn, readDone)

	for {
		select {
		case <-readDone:
			return
		case <-cl.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"),
				time.Now().Add(writeWait))
			return
		case data := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Error("failed to write message",
					zap.String("client_id", cl.id),
					zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) readSocket(cl *client, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("relay client read failed",
					zap.String("client_id", cl.id),
					zap.Error(err))
			}
			return
		}

		if !cl.limiter.Allow() {
			h.logger.Warn("relay client rate limited, message dropped",
				zap.String("client_id", cl.id))
			continue
		}

		env, err := message.Decode(data)
		if err != nil {
			h.logger.Warn("dropping malformed client message",
				zap.String("client_id", cl.id),
				zap.Error(err))
			continue
		}

		switch env.Type {
		case message.TypePing:
			pong, err := message.PongFor(env, time.Now()).Encode()
			if err == nil {
				cl.offer(pong)
			}
		case message.TypePong:
		default:
			if fn := h.handler(); fn != nil {
				fn(env)
			}
		}
	}
}
