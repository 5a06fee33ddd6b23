// Package notify pushes job outcomes to the websocket clients that submitted
// the jobs.
package notify

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"configurator/internal/jobs"
)

const (
	TypeComplete = "onComplete"
	TypeError    = "onError"
	TypePong     = "pong"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Message is the JSON frame written to a client.
type Message struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId,omitempty"`
	Result  any    `json:"result,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

type inbound struct {
	Type string `json:"type"`
}

// Config tunes the hub.
type Config struct {
	// Backlog is how many undelivered messages are kept per client.
	Backlog int
	// BacklogClients bounds the number of clients with a backlog.
	BacklogClients int
	// BacklogTTL drops backlogs nobody picked up.
	BacklogTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = 32
	}
	if c.BacklogClients <= 0 {
		c.BacklogClients = 1024
	}
	if c.BacklogTTL <= 0 {
		c.BacklogTTL = 10 * time.Minute
	}
	return c
}

type conn struct {
	ch chan Message
}

// Hub routes messages to connected clients by client id. Messages for a
// client with no open connection are kept until it connects.
type Hub struct {
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]map[*conn]struct{}
	backlog *expirable.LRU[string, []Message]
}

func NewHub(cfg Config, logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:     cfg,
		log:     logger.WithField("component", "notify"),
		clients: make(map[string]map[*conn]struct{}),
		backlog: expirable.NewLRU[string, []Message](cfg.BacklogClients, nil, cfg.BacklogTTL),
	}
}

// Sender returns the ResultSender delivering to clientID. An empty client id
// yields a sender that only logs; the outcome stays readable from the job
// ledger.
func (h *Hub) Sender(clientID string) jobs.ResultSender {
	clientID = strings.TrimSpace(clientID)
	return jobs.SenderFunc{
		Success: func(_ context.Context, jobID string, result, payload any) {
			h.Publish(clientID, Message{Type: TypeComplete, JobID: jobID, Result: result, Payload: payload})
		},
		Error: func(_ context.Context, jobID, message string) {
			h.Publish(clientID, Message{Type: TypeError, JobID: jobID, Message: message})
		},
	}
}

// Publish delivers m to every connection of clientID.
func (h *Hub) Publish(clientID string, m Message) {
	if clientID == "" {
		h.log.WithFields(logrus.Fields{"job_id": m.JobID, "type": m.Type}).Debug("no client to notify")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[clientID]
	if len(conns) == 0 {
		pending, _ := h.backlog.Get(clientID)
		pending = append(pending, m)
		if over := len(pending) - h.cfg.Backlog; over > 0 {
			pending = pending[over:]
		}
		h.backlog.Add(clientID, pending)
		return
	}
	for c := range conns {
		push(c.ch, m)
	}
}

// Connected reports the number of open connections of clientID.
func (h *Hub) Connected(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[clientID])
}

func (h *Hub) subscribe(clientID string) *conn {
	c := &conn{ch: make(chan Message, h.cfg.Backlog)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[clientID] == nil {
		h.clients[clientID] = make(map[*conn]struct{})
	}
	h.clients[clientID][c] = struct{}{}
	if pending, ok := h.backlog.Get(clientID); ok {
		h.backlog.Remove(clientID)
		for _, m := range pending {
			push(c.ch, m)
		}
	}
	return c
}

func (h *Hub) unsubscribe(clientID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[clientID], c)
	if len(h.clients[clientID]) == 0 {
		delete(h.clients, clientID)
	}
}

// ServeWS upgrades the request and streams the messages of ?clientId= until
// the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if clientID == "" {
		http.Error(w, "clientId is required", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := h.log.WithField("client_id", clientID)
	if err := ws.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.WithError(err).Warn("ws set read deadline failed")
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	c := h.subscribe(clientID)
	defer h.unsubscribe(clientID, c)
	log.Debug("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-c.ch:
				if err := ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := ws.WriteJSON(out); err != nil {
					log.WithError(err).Debug("ws write failed")
					return
				}
			case <-ticker.C:
				if err := ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		var in inbound
		if err := ws.ReadJSON(&in); err != nil {
			break
		}
		if strings.TrimSpace(in.Type) == "ping" {
			push(c.ch, Message{Type: TypePong})
		}
	}
	cancel()
	<-writerDone
	log.Debug("client disconnected")
}

// push enqueues out, dropping the oldest message when ch is full.
func push(ch chan Message, out Message) {
	select {
	case ch <- out:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- out:
	default:
	}
}
