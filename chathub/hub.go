package chathub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/models"
	"bitbucket.org/hewadtech/budget_backend/notifier"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GlobalHub is the single hub for the process; Run it once from main.
var GlobalHub = NewHub()

// Frame is the wire envelope in both directions. Delivery over the socket is
// best-effort; the database is the durable record.
type Frame struct {
	Type        string  `json:"type"` // message | mark_read | newMessage
	ThreadId    int     `json:"thread_id"`
	Body        string  `json:"body,omitempty"`
	ClientNonce *string `json:"client_nonce,omitempty"`
	MessageId   int     `json:"message_id,omitempty"`
	SenderId    int     `json:"sender_id,omitempty"`
	SenderName  string  `json:"sender_name,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userId   int
	userName string
	threadId int
}

// Hub keeps one room per chat thread and fans every stored message out to
// the room's online subscribers.
type Hub struct {
	rooms      map[int]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Frame
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[int]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Frame),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[client.threadId]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.threadId] = room
			}
			room[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[client.threadId]; ok {
				if room[client] {
					delete(room, client)
					close(client.send)
				}
				if len(room) == 0 {
					delete(h.rooms, client.threadId)
				}
			}
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.sendToRoom(frame)
		}
	}
}

func (h *Hub) sendToRoom(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[frame.ThreadId] {
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.rooms[frame.ThreadId], client)
		}
	}
}

// Broadcast pushes a stored message to the thread's online subscribers.
// Used both by the socket path and by HTTP posters.
func (h *Hub) Broadcast(message *models.ChatMessage) {
	h.broadcast <- Frame{
		Type:       "newMessage",
		ThreadId:   message.ThreadId,
		MessageId:  message.ID,
		Body:       message.Body,
		SenderId:   message.SenderId,
		SenderName: message.SenderName,
		CreatedAt:  message.CreatedAt.Format(time.RFC3339),
	}
}

func (c *Client) readPump() {
	logger := config.GetLogger()
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithField("userId", c.userId).Warn("unexpected websocket close")
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "message":
			c.handlePost(frame)
		case "mark_read":
			c.handleMarkRead(frame)
		}
	}
}

func (c *Client) handlePost(frame Frame) {
	db := config.GetDB()
	logger := config.GetLogger()

	var result *models.PostMessageResult
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = models.PostMessage(tx, c.threadId, c.userId, c.userName, frame.Body, nil, frame.ClientNonce)
		return err
	})
	if err != nil {
		config.LogError(logger, "hub.go", "handlePost", "PostMessage", c.threadId, err)
		return
	}
	if result.Duplicate {
		return
	}
	c.hub.Broadcast(result.Message)
	if result.FirstPost {
		go notifier.NotifyChatFirstMessage(c.threadId, c.userId)
	}
}

func (c *Client) handleMarkRead(frame Frame) {
	db := config.GetDB()
	if err := models.MarkRead(db, c.threadId, c.userId, frame.MessageId); err != nil {
		config.LogError(config.GetLogger(), "hub.go", "handleMarkRead", "MarkRead", c.threadId, err)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// WSEndpoint upgrades a subscriber onto a thread room. The caller identity
// comes from the auth middleware; the thread must already exist.
func WSEndpoint(c *gin.Context) {
	logger := config.GetLogger()

	userId := c.GetInt("user_id")
	if userId == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	var thread models.ChatThread
	if err := config.GetDB().First(&thread, "id = ?", c.Param("threadId")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		config.LogError(logger, "hub.go", "WSEndpoint", "Upgrade", thread.ID, err)
		return
	}

	client := &Client{
		hub:      GlobalHub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userId:   userId,
		userName: c.GetString("user_name"),
		threadId: thread.ID,
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
