// Package ws exposes the KV, queue, stream, and pub/sub engines over a
// single WebSocket connection per client: one JSON request/response
// envelope, fanned out to the engine the Op names, matching the teacher's
// Client/upgrader/readPump/writePump wiring in spirit while replacing the
// game-session protocol with the engine's own operations.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"synap/internal/kv"
	"synap/internal/logging"
	"synap/internal/pubsub"
	"synap/internal/queue"
	"synap/internal/stream"
	"synap/internal/synaperr"

	"github.com/gorilla/websocket"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Authenticator validates an inbound HTTP upgrade request and returns the
// logical client identifier attached to the resulting connection. A
// pass-through stub is provided since authentication policy is out of
// scope here; callers that need real auth wire their own implementation.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAllAuthenticator admits every connection with an empty client id.
type AllowAllAuthenticator struct{}

// Authenticate always succeeds.
func (AllowAllAuthenticator) Authenticate(*http.Request) (string, error) { return "", nil }

// Engines bundles the engine handles a Gateway dispatches requests to.
type Engines struct {
	KV     *kv.Engine
	Queue  *queue.Manager
	Stream *stream.Manager
	PubSub *pubsub.Broker
}

// Gateway upgrades HTTP connections to WebSocket and serves the request/
// response protocol against the wrapped engines.
type Gateway struct {
	engines       Engines
	authenticator Authenticator
	logger        *logging.Logger
	pingInterval  time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
}

// Options configures a new Gateway.
type Options struct {
	Engines       Engines
	Authenticator Authenticator
	Logger        *logging.Logger
	PingInterval  time.Duration
}

// New constructs a Gateway ready to be mounted as an http.Handler.
func New(opts Options) *Gateway {
	if opts.Authenticator == nil {
		opts.Authenticator = AllowAllAuthenticator{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewTestLogger()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	return &Gateway{
		engines:       opts.Engines,
		authenticator: opts.Authenticator,
		logger:        opts.Logger,
		pingInterval:  opts.PingInterval,
		clients:       make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and spawns its read/write pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID, err := g.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", logging.Error(err))
		return
	}

	c := &client{
		id:     clientID,
		conn:   conn,
		send:   make(chan []byte, 32),
		gw:     g,
		subs:   make(map[string]*stream.Subscription),
		topics: make(map[string]*pubsub.Subscription),
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// ClientCount reports the number of currently connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) forget(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// request is the inbound envelope: Op selects the handler, RequestID is
// echoed back unchanged so callers can correlate responses, and the
// remaining fields are interpreted per-Op.
type request struct {
	Op          string          `json:"op"`
	RequestID   string          `json:"request_id,omitempty"`
	Key         string          `json:"key,omitempty"`
	NewKey      string          `json:"new_key,omitempty"`
	Value       string          `json:"value,omitempty"`
	TTLMs       int64           `json:"ttl_ms,omitempty"`
	OnlyIfExist bool            `json:"only_if_exists,omitempty"`
	OnlyIfNX    bool            `json:"only_if_not_exists,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
	Headers     json.RawMessage `json:"headers,omitempty"`
	EntryID     string          `json:"entry_id,omitempty"`
	Room        string          `json:"room,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	SinceOffset uint64          `json:"since_offset,omitempty"`
	Buffer      int             `json:"buffer,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Pattern     string          `json:"pattern,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// response is the outbound envelope mirrored back to the client.
type response struct {
	Op        string      `json:"op"`
	RequestID string      `json:"request_id,omitempty"`
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Result    interface{} `json:"result,omitempty"`
}

func errorResponse(req request, err error) response {
	return response{
		Op:        req.Op,
		RequestID: req.RequestID,
		OK:        false,
		Error:     err.Error(),
		ErrorKind: string(synaperr.KindOf(err)),
	}
}

func okResponse(req request, result interface{}) response {
	return response{Op: req.Op, RequestID: req.RequestID, OK: true, Result: result}
}
