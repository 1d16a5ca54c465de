package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agrisync/middleware"
	"agrisync/services"
	"agrisync/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin browser clients are expected; auth happens via JWT.
		return true
	},
}

type WSHandler struct {
	hub    *services.Hub
	buffer int
	logger *utils.Logger
}

func NewWSHandler(hub *services.Hub, buffer int, logger *utils.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		buffer: buffer,
		logger: logger,
	}
}

// wsConn serializes writes: the event pump and the ack path run on
// different goroutines and gorilla allows only one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(v)
}

type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type ackFrame struct {
	Status string `json:"status"`
	Topic  string `json:"topic,omitempty"`
}

// Handle upgrades GET /ws and pumps change events to the client for the
// topics it subscribes to.
func (h *WSHandler) Handle(c *gin.Context) {
	userID := middleware.UserID(c)

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{Conn: raw}

	sub := services.NewSubscriber(h.buffer)
	h.hub.Register(sub)

	go h.writePump(conn, sub)
	h.readPump(conn, sub, userID)
}

func (h *WSHandler) readPump(conn *wsConn, sub *services.Subscriber, userID string) {
	defer func() {
		h.hub.Unregister(sub)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Action {
		case "subscribe":
			if !allowedTopic(frame.Topic, userID) {
				h.sendAck(conn, ackFrame{Status: "forbidden", Topic: frame.Topic})
				continue
			}
			sub.AddTopic(frame.Topic)
			h.sendAck(conn, ackFrame{Status: "subscribed", Topic: frame.Topic})
		case "unsubscribe":
			sub.RemoveTopic(frame.Topic)
			h.sendAck(conn, ackFrame{Status: "unsubscribed", Topic: frame.Topic})
		}
	}
}

func (h *WSHandler) writePump(conn *wsConn, sub *services.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Send:
			if !ok {
				conn.write(websocket.CloseMessage, []byte{})
				return
			}
			data, err := ev.Marshal()
			if err != nil {
				h.logger.Error("Failed to encode event frame", "error", err)
				continue
			}
			if err := conn.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendAck(conn *wsConn, ack ackFrame) {
	if err := conn.writeJSON(ack); err != nil {
		h.logger.Debug("Failed to send ack", "error", err)
	}
}

// allowedTopic restricts private streams: a client may only subscribe to
// its own user topic. Public topics are open to any authenticated client.
func allowedTopic(topic, userID string) bool {
	if strings.HasPrefix(topic, "user:") {
		return topic == "user:"+userID
	}
	return topic != ""
}
