package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

// Client is one websocket subscriber to a task
type Client struct {
	TaskID string
	Conn   *websocket.Conn
	Send   chan []byte
	done   chan struct{}
}

func NewClient(taskID string, conn *websocket.Conn) *Client {
	return &Client{
		TaskID: taskID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// Done is closed once the hub drops the client
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Hub fans task events out to subscribed websocket clients
type Hub struct {
	// Clients grouped by task ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	quit       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex
}

// BroadcastMessage is an encoded event for the subscribers of one task
type BroadcastMessage struct {
	TaskID  string
	Message []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's main loop; it returns after Stop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()
			log.Printf("Client subscribed to task %s", client.TaskID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			log.Printf("Client unsubscribed from task %s", client.TaskID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.TaskID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.remove(client)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					h.remove(client)
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and closes every subscriber
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// remove must be called with h.mu held
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.TaskID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.done)
		if len(clients) == 0 {
			delete(h.clients, client.TaskID)
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Subscribers returns the number of clients watching taskID
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// BroadcastStatus announces a status change for a task
func (h *Hub) BroadcastStatus(taskID string, status model.TaskStatus, step string) {
	h.publish(taskID, model.WSStatusMessage{
		Type:   model.WSMessageTypeStatus,
		TaskID: taskID,
		Status: status,
		Step:   step,
	})
}

// BroadcastComplete sends the result urls of a completed task
func (h *Hub) BroadcastComplete(taskID string, artifact model.Artifact) {
	msg := model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		TaskID: taskID,
	}
	if artifact.IsList() {
		msg.ResultURLs = artifact.URLs
	} else {
		msg.ResultURL = artifact.URL
	}
	h.publish(taskID, msg)
}

// BroadcastError sends a failure to all task subscribers
func (h *Hub) BroadcastError(taskID string, code, message string) {
	h.publish(taskID, model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		TaskID: taskID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// publish never blocks the caller; events are dropped when the hub is saturated
func (h *Hub) publish(taskID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal websocket message: %v", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{TaskID: taskID, Message: data}:
	default:
		log.Printf("Websocket broadcast queue full, dropping event for task %s", taskID)
	}
}

// Snapshot describes a task's current state as an encoded event. final
// reports that the task is terminal and no further events will follow.
type Snapshot func() (event []byte, final bool)

// HandleConnection serves one websocket subscriber. The client is registered
// before snapshot runs, so every event published after the snapshot was taken
// reaches it. A final snapshot ends the connection.
func (h *Hub) HandleConnection(c *websocket.Conn, taskID string, snapshot Snapshot) {
	client := NewClient(taskID, c)

	h.Register(client)
	defer h.Unregister(client)

	if snapshot != nil {
		event, final := snapshot()
		if event != nil {
			if err := c.WriteMessage(websocket.TextMessage, event); err != nil {
				return
			}
		}
		if final {
			c.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.done:
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- data:
			case <-client.done:
			default:
			}
		}
	}
}
