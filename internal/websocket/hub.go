package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/reelforge/jobwatch/internal/model"
	"github.com/reelforge/jobwatch/internal/watch"
)

const sendBuffer = 256

// Client is one socket subscribed to a job.
type Client struct {
	Key  string // watch.Handle.String()
	Conn *websocket.Conn
	Send chan []byte
	pong chan struct{}
}

// Hub fans job events out to subscribed sockets. It implements
// watch.Notifier and watch.PersistenceObserver.
type Hub struct {
	// Clients grouped by job handle
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	done   chan struct{}
	mu     sync.RWMutex
	logger *slog.Logger
}

// BroadcastMessage is one encoded message for the subscribers of Key.
type BroadcastMessage struct {
	Key     string
	Message []byte
}

var (
	_ watch.Notifier            = (*Hub)(nil)
	_ watch.PersistenceObserver = (*Hub)(nil)
)

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws_hub"),
	}
}

// Run is the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.Key] == nil {
				h.clients[client.Key] = make(map[*Client]bool)
			}
			h.clients[client.Key][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "job", client.Key)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "job", client.Key)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.Key] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow subscriber; drop it rather than stall every job.
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.Key]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.Key)
	}
}

// Register adds a new client. It is a no-op once Run has returned.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers returns the number of sockets watching key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

func (h *Hub) OnSubmitted(s watch.Snapshot) {
	h.send(s.Handle(), model.WSProgressMessage{
		Type:   model.WSMessageTypeSubmitted,
		JobID:  s.JobID,
		Kind:   string(s.Kind),
		Status: model.JobStatus(s.State),
	})
}

func (h *Hub) OnProgress(s watch.Snapshot, fraction float64) {
	h.send(s.Handle(), model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    s.JobID,
		Kind:     string(s.Kind),
		Progress: int(fraction*100 + 0.5),
		Status:   model.JobStatus(s.State),
	})
}

func (h *Hub) OnSuccess(s watch.Snapshot, r watch.Result) {
	h.send(s.Handle(), model.WSCompleteMessage{
		Type:      model.WSMessageTypeComplete,
		JobID:     s.JobID,
		Kind:      string(s.Kind),
		OutputURL: r.OutputURL,
		Format:    r.Format,
	})
}

func (h *Hub) OnFailure(s watch.Snapshot, err *watch.JobError) {
	h.sendError(s, model.WSMessageTypeError, err)
}

func (h *Hub) OnPersistenceError(s watch.Snapshot, err *watch.JobError) {
	h.sendError(s, model.WSMessageTypePersistenceError, err)
}

func (h *Hub) sendError(s watch.Snapshot, msgType string, err *watch.JobError) {
	h.send(s.Handle(), model.WSErrorMessage{
		Type:  msgType,
		JobID: s.JobID,
		Kind:  string(s.Kind),
		Error: model.WSError{
			Code:    string(err.Reason),
			Message: err.Error(),
		},
	})
}

// send never blocks the caller; a full broadcast queue drops the event.
func (h *Hub) send(handle watch.Handle, msg any) {
	if handle.IsZero() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal ws message", "job", handle.String(), "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{Key: handle.String(), Message: data}:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "job", handle.String())
	}
}

// messageWriter is the write half of a socket.
type messageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// writePump forwards client.Send to w until Send is closed, a write fails,
// the reader stops or the hub shuts down.
func (h *Hub) writePump(client *Client, w messageWriter, readerDone <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				_ = w.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-client.pong:
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			if err := w.WriteMessage(websocket.TextMessage, pong); err != nil {
				return
			}

		case <-ticker.C:
			if err := w.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-readerDone:
			return

		case <-h.done:
			return
		}
	}
}

// HandleConnection serves one socket subscribed to handle until it closes.
// It returns only after the writer has stopped, since fiber reuses c.
func (h *Hub) HandleConnection(c *websocket.Conn, handle watch.Handle) {
	client := &Client{
		Key:  handle.String(),
		Conn: c,
		Send: make(chan []byte, sendBuffer),
		pong: make(chan struct{}, 1),
	}

	h.Register(client)

	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(client, c, readerDone)
	}()
	defer func() {
		close(readerDone)
		h.Unregister(client)
		<-writerDone
	}()

	// Reader
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "job", client.Key, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case client.pong <- struct{}{}:
			default:
			}
		}
	}
}
