package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/nqprobe/internal/session"
)

const statusSchemaVersion = 1

type statusMessage struct {
	SchemaVersion int                       `json:"schema_version"`
	Type          string                    `json:"type"`
	Timestamp     int64                     `json:"timestamp"`
	Target        string                    `json:"target,omitempty"`
	Event         *session.Event            `json:"event,omitempty"`
	Report        *session.Report           `json:"report,omitempty"`
	Reports       map[string]session.Report `json:"reports,omitempty"`
	*statusErrorPayload
}

type statusErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusHub fans probe events and session reports out to websocket
// subscribers. Slow subscribers drop messages instead of blocking probes.
type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 256),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Subscribers returns the number of connected clients.
func (h *StatusHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StatusHub) Broadcast(msg statusMessage) {
	if msg.SchemaVersion == 0 {
		msg.SchemaVersion = statusSchemaVersion
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// PublishEvent broadcasts one probe outcome.
func (h *StatusHub) PublishEvent(target string, ev session.Event) {
	if h == nil {
		return
	}
	h.Broadcast(statusMessage{Type: "probe", Target: target, Event: &ev})
}

// PublishReport broadcasts a finished session.
func (h *StatusHub) PublishReport(target string, report session.Report) {
	if h == nil {
		return
	}
	h.Broadcast(statusMessage{Type: "report", Target: target, Report: &report})
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
