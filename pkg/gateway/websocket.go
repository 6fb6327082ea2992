package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/pkg/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer.
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// wsAck is a server -> client control frame.
type wsAck struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// wsSnapshot is pushed immediately after a book subscription so the
// client has a baseline to apply deltas against.
type wsSnapshot struct {
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Snapshot any    `json:"snapshot"`
}

// wsClient is one websocket connection. Events flow from the bus
// subscription; the out channel carries acks and snapshots. A client that
// cannot drain its bus queue is disconnected by the bus, never waited on.
type wsClient struct {
	srv    *Server
	conn   *websocket.Conn
	sub    *bus.Subscription
	out    chan []byte
	userID string // empty for unauthenticated (market data only)

	msgBucket   *TokenBucket
	churnBucket *TokenBucket
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Optional auth: a valid token unlocks the caller's user channels.
	userID := ""
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token != "" {
		uid, err := s.mgr.Store().ResolveSession(token)
		if err == nil {
			userID = uid
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		srv:         s,
		conn:        conn,
		sub:         s.bus.Subscribe(),
		out:         make(chan []byte, 32),
		userID:      userID,
		msgBucket:   NewTokenBucket(s.cfg.WSMsgBurst, s.cfg.WSMsgRate),
		churnBucket: NewTokenBucket(s.cfg.WSChurnBurst, s.cfg.WSChurnRate),
	}
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) close() {
	c.sub.Close()
	c.conn.Close()
	if c.srv.metrics != nil {
		c.srv.metrics.WSConnections.Dec()
	}
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.WSIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.WSIdleTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Debug("ws read error", zap.Error(err))
			}
			return
		}
		// A client flooding the inbound side gets disconnected outright.
		if !c.msgBucket.Allow() {
			c.ack(wsAck{Type: "ERROR", Error: "RATE_LIMITED"})
			return
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.ack(wsAck{Type: "ERROR", Error: "invalid frame"})
			continue
		}
		switch req.Op {
		case "subscribe":
			c.handleSubscribe(req.Topics)
		case "unsubscribe":
			for _, t := range req.Topics {
				c.sub.Remove(t)
				if c.srv.metrics != nil {
					c.srv.metrics.WSSubscriptions.Dec()
				}
			}
			c.ack(wsAck{Type: "UNSUBSCRIBED", Topics: req.Topics})
		case "ping":
			c.ack(wsAck{Type: "PONG"})
		default:
			c.ack(wsAck{Type: "ERROR", Error: "unknown op"})
		}
	}
}

func (c *wsClient) handleSubscribe(topics []string) {
	if !c.churnBucket.Allow() {
		c.ack(wsAck{Type: "ERROR", Error: "RATE_LIMITED"})
		return
	}
	var accepted []string
	for _, t := range topics {
		if err := c.authorizeTopic(t); err != "" {
			c.ack(wsAck{Type: "ERROR", Topics: []string{t}, Error: err})
			continue
		}
		c.sub.Add(t)
		accepted = append(accepted, t)
		if c.srv.metrics != nil {
			c.srv.metrics.WSSubscriptions.Inc()
		}
		c.pushSnapshot(t)
	}
	if len(accepted) > 0 {
		c.ack(wsAck{Type: "SUBSCRIBED", Topics: accepted})
	}
}

// authorizeTopic validates shape and ownership. Market channels are
// public; user channels require the session to own them.
func (c *wsClient) authorizeTopic(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 {
		return "unknown topic"
	}
	switch parts[0] {
	case "market":
		if parts[2] != "book" && parts[2] != "trades" {
			return "unknown topic"
		}
		if !c.srv.mgr.Markets().Exists(parts[1]) {
			return "unknown market"
		}
	case "user":
		if parts[2] != "orders" && parts[2] != "balance" {
			return "unknown topic"
		}
		if c.userID == "" || parts[1] != c.userID {
			return "not authorized"
		}
	default:
		return "unknown topic"
	}
	return ""
}

// pushSnapshot seeds a fresh book subscription with current depth.
func (c *wsClient) pushSnapshot(topic string) {
	parts := strings.Split(topic, ".")
	if parts[0] != "market" || parts[2] != "book" {
		return
	}
	snap, err := c.srv.mgr.Snapshot(parts[1], c.srv.cfg.SnapshotDepth)
	if err != nil {
		return
	}
	resp := BookResponse{
		MarketID: snap.MarketID,
		Sequence: snap.Sequence,
		Bids:     levelViews(snap.Bids),
		Asks:     levelViews(snap.Asks),
	}
	if snap.LastPrice != 0 {
		resp.LastPrice = snap.LastPrice.String()
	}
	c.send(wsSnapshot{Type: "BOOK_SNAPSHOT", Topic: topic, Snapshot: resp})
}

func (c *wsClient) ack(a wsAck) { c.send(a) }

func (c *wsClient) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	default:
		// Control channel full; the write pump is stuck and the read
		// pump's deadline will reap the connection.
	}
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(c.srv.cfg.WSIdleTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.sub.C():
			if !ok {
				// Dropped by the bus for falling behind, or bus closed.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"))
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
