package sync

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"agrisync/models"
	"agrisync/utils"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// WSSource subscribes to the sync hub's WebSocket endpoint. Each Subscribe
// call opens its own connection scoped to one topic, so independent
// consumers of the same topic never share teardown state.
type WSSource struct {
	baseURL string
	token   string
	logger  *utils.Logger
}

func NewWSSource(baseURL, token string, logger *utils.Logger) *WSSource {
	return &WSSource{
		baseURL: baseURL,
		token:   token,
		logger:  logger,
	}
}

type subscribeFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Subscribe dials the hub, sends the topic handshake, and pumps events to fn
// from a reader goroutine until Unsubscribe or connection loss. Connection
// loss closes the subscription silently; the consumer re-syncs on its next
// refresh.
func (s *WSSource) Subscribe(topic string, filter EventFilter, fn EventHandler) (*Subscription, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial sync hub: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Topic: topic}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	sub := newSubscription(filter, fn, func() {
		conn.Close()
	})

	go s.readLoop(conn, topic, sub)

	return sub, nil
}

func (s *WSSource) readLoop(conn *websocket.Conn, topic string, sub *Subscription) {
	defer sub.Unsubscribe()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sub.Alive() {
				s.logger.Warn("Realtime channel closed", "topic", topic, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		ev, err := models.NormalizeEvent(data)
		if err != nil {
			// Control acks and malformed frames are skipped, never fatal.
			if isAckFrame(data) {
				continue
			}
			s.logger.Warn("Dropping malformed event", "topic", topic, "error", err)
			continue
		}

		sub.deliver(ev)
	}
}

func isAckFrame(data []byte) bool {
	var frame struct {
		Status string `json:"status"`
	}
	return json.Unmarshal(data, &frame) == nil && frame.Status != ""
}
