package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/livejoin/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves the live-data protocol over websockets.
type WSHandler struct {
	Publications *protocol.Registry
}

// HandleWS upgrades the connection and runs one session until the client
// goes away.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := LoggerFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	sess := protocol.NewSession(r.Context(), id, conn, h.Publications,
		protocol.WithLogger(log.Named("session")))
	defer sess.Close()
	log.Info("session opened", zap.String("session", id))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", zap.String("session", id), zap.Error(err))
			}
			break
		}
		sess.HandleMessage(msg)
	}
	log.Info("session closed", zap.String("session", id))
}
