package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// Authenticator is implemented by types able to extract user IDs from
// Authorization header values.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	readFrameLimit = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The REST API already allows any origin; the socket follows suit.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades the request to a websocket connection, registers it with
// the hub and serves it until disconnect. Browsers cannot set headers on
// websocket requests, so the JWT is also accepted as a query parameter.
func Handler(hub *Hub, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		sock, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already wrote the error response.
			return nil
		}

		conn := hub.add(userID)
		go writePump(sock, conn, logger)
		readPump(sock, conn, hub, logger)
		return nil
	}
}

// writePump is the single writer for one socket. It drains the connection's
// send channel in order and keeps the peer alive with pings. It exits when
// the hub closes the channel or a write fails.
func writePump(sock *websocket.Conn, conn *connection, logger *log.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = sock.Close()
	}()

	hello, err := json.Marshal(Frame{Type: FrameConnected, ConnectionID: conn.id})
	if err != nil {
		logger.Errorf("marshal hello frame: %v", err)
		return
	}
	_ = sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := sock.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	for {
		select {
		case data, ok := <-conn.send:
			_ = sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames until the connection drops, then purges
// the connection from the hub and every room it joined. Client task-* frames
// are untrusted hints: broadcasts only ever originate from the mutation
// service's success path, so hints are counted at debug level and otherwise
// ignored.
func readPump(sock *websocket.Conn, conn *connection, hub *Hub, logger *log.Logger) {
	defer hub.remove(conn.id)

	sock.SetReadLimit(readFrameLimit)
	_ = sock.SetReadDeadline(time.Now().Add(pongTimeout))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("read: %v", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.WithField("connection_id", conn.id).Debugf("bad frame: %v", err)
			continue
		}
		switch frame.Type {
		case FrameJoinRoom:
			if frame.RoomID != "" {
				hub.registry.Join(conn.id, frame.RoomID)
			}
		case FrameLeaveRoom:
			if frame.RoomID != "" {
				hub.registry.Leave(conn.id, frame.RoomID)
			}
		default:
			logger.WithFields(log.Fields{
				"connection_id": conn.id,
				"type":          frame.Type,
			}).Debug("ignoring client hint frame")
		}
	}
}
