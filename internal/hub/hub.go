package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/gterm/internal/protocol"
	"github.com/user/gterm/internal/render"
)

const defaultBatchInterval = 100 * time.Millisecond

// Hub relays the console to websocket clients and feeds their commands back.
// It implements listener.Handler.
type Hub struct {
	clients     map[string]*Client
	register    chan *clientRegistration
	unregister  chan *Client
	broadcast   chan []byte
	onInput     func(command string)
	secret      string
	mu          sync.RWMutex
	rateLimiter *RateLimiter
	running     atomic.Bool
	connected   atomic.Bool

	asmMu sync.Mutex
	asm   *render.Assembler
}

type clientRegistration struct {
	client  *Client
	initial []byte
}

// New returns a hub. An empty secret lets every client in.
func New(secret string, onInput func(command string)) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 256),
		onInput:    onInput,
		secret:     secret,
		asm:        render.NewAssembler(),
	}
	h.rateLimiter = NewRateLimiter(defaultBatchInterval, h.sendBroadcast)
	return h
}

func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initial != nil {
				select {
				case reg.client.send <- reg.initial:
				default:
				}
			}
			go reg.client.writePump(ctx)
			go reg.client.readPump(ctx)
			log.Printf("client connected: %s (total: %d)", reg.client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("client disconnected: %s (total: %d)", client.id, h.ClientCount())

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- data:
				default:
					log.Printf("client %s send buffer full, dropping message", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept error: %v", err)
		return
	}

	client := newClient(conn, h)
	initial, _ := json.Marshal(statusMessage(h.connected.Load()))

	select {
	case h.register <- &clientRegistration{client: client, initial: initial}:
	default:
		log.Printf("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.URL.Query().Get("secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func (h *Hub) OnConnected() {
	h.connected.Store(true)
	h.BroadcastStatus(true)
}

func (h *Hub) OnDisconnected() {
	h.connected.Store(false)
	h.rateLimiter.FlushAll()
	h.BroadcastStatus(false)
}

func (h *Hub) OnError(err error) {}

func (h *Hub) OnLog(ev protocol.LogEvent) {
	h.asmMu.Lock()
	lines := h.asm.Push(ev)
	h.asmMu.Unlock()
	for _, l := range lines {
		h.BroadcastLine(l)
	}
}

// BroadcastLine queues a finished line for the next batch.
func (h *Hub) BroadcastLine(l render.Line) {
	h.rateLimiter.Add(lineMessage(l))
}

func (h *Hub) BroadcastStatus(connected bool) {
	h.sendJSON(statusMessage(connected))
}

func (h *Hub) sendBroadcast(msg LinesMessage) {
	h.sendJSON(msg)
}

func (h *Hub) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("error marshaling message: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("broadcast channel full, dropping message")
	}
}

func (h *Hub) SendError(client *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: "error", Message: message})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleInput(command string) {
	if h.onInput != nil {
		h.onInput(command)
	}
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		log.Printf("unregister channel full for client %s, forcing close", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
