package server

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1024 * 1024
)

var colors = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}

// colorFor derives a stable display color from a user ID, so the same user
// renders the same on every instance and reconnect.
func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return colors[h.Sum32()%uint32(len(colors))]
}

// Client represents a single WebSocket connection.
type Client struct {
	UserID string
	Name   string
	Color  string
	ConnID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// The session this client is currently in (nil if not joined).
	mu      sync.Mutex
	session *Session
}

func newClient(hub *Hub, conn *websocket.Conn, userID, name string) *Client {
	if name == "" && len(userID) >= 4 {
		name = "User " + userID[:4]
	} else if name == "" {
		name = "User " + userID
	}
	return &Client{
		UserID: userID,
		Name:   name,
		Color:  colorFor(userID),
		ConnID: uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// clearSession detaches the client only if it still belongs to s, so a
// leave from an old room cannot clobber a join to a new one.
func (c *Client) clearSession(s *Session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		if s := c.currentSession(); s != nil {
			s.leave <- c
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("client %s read error: %v", c.ConnID, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ErrCodeBadPayload, "invalid message format")
			continue
		}

		switch msg.Type {
		case MsgJoin:
			if msg.DocID == "" {
				c.sendError(ErrCodeBadPayload, "join requires docId")
				continue
			}
			c.hub.joinDoc <- joinRequest{client: c, docID: msg.DocID, stateVector: msg.StateVector}
		case MsgUpdate:
			s := c.currentSession()
			if s == nil {
				c.sendError(ErrCodeNotJoined, "not joined to a document")
				continue
			}
			s.incoming <- updateMessage{client: c, msg: msg}
		case MsgCursor:
			s := c.currentSession()
			if s == nil {
				c.sendError(ErrCodeNotJoined, "not joined to a document")
				continue
			}
			// Ephemeral; relayed directly, never serialized or persisted.
			s.RelayCursor(c, msg)
		default:
			c.sendError(ErrCodeUnknownType, "unknown message type: "+msg.Type)
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMsg(msg ServerMessage) {
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow, drop message.
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Code: code, Message: message})
}

func (c *Client) Info() MemberInfo {
	return MemberInfo{UserID: c.UserID, Name: c.Name, Color: c.Color}
}
