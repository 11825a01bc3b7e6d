package ws

import (
	"encoding/json"
	"sync"
	"time"

	"synap/internal/logging"
	"synap/internal/pubsub"
	"synap/internal/stream"
	"synap/internal/synaperr"

	"github.com/gorilla/websocket"
)

// client is one connected WebSocket peer: a read pump decoding inbound
// requests and dispatching them to the engines, and a write pump draining
// the outbound channel plus a ping ticker, matching the teacher's
// goroutine-per-direction pattern so a slow reader never blocks a writer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	gw   *Gateway

	mu     sync.Mutex
	subs   map[string]*stream.Subscription
	topics map[string]*pubsub.Subscription
}

func (c *client) readPump() {
	defer func() {
		c.closeSubscriptions()
		c.gw.forget(c)
		c.conn.Close()
		close(c.send)
	}()

	waitDuration := time.Duration(pongWaitMultiplier) * c.gw.pingInterval
	c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(waitDuration))

		var req request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.enqueue(response{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		resp := c.dispatch(req)
		c.enqueue(resp)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *client) enqueue(resp response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case c.send <- body:
	default:
		// Slow consumer: drop rather than block the read pump indefinitely.
		c.gw.logger.Warn("ws client send buffer full, dropping response", logging.String("client_id", c.id))
	}
}

func (c *client) pushEvent(op string, payload interface{}) {
	body, err := json.Marshal(response{Op: op, OK: true, Result: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- body:
	default:
	}
}

func (c *client) dispatch(req request) response {
	switch req.Op {
	case "kv.set":
		return c.handleKVSet(req)
	case "kv.get":
		return c.handleKVGet(req)
	case "kv.del":
		return c.handleKVDel(req)
	case "kv.incr":
		return c.handleKVIncr(req)
	case "queue.publish":
		return c.handleQueuePublish(req)
	case "queue.consume":
		return c.handleQueueConsume(req)
	case "queue.ack":
		return c.handleQueueAck(req)
	case "queue.nack":
		return c.handleQueueNack(req)
	case "stream.publish":
		return c.handleStreamPublish(req)
	case "stream.history":
		return c.handleStreamHistory(req)
	case "stream.subscribe":
		return c.handleStreamSubscribe(req)
	case "pubsub.publish":
		return c.handlePubSubPublish(req)
	case "pubsub.subscribe":
		return c.handlePubSubSubscribe(req)
	default:
		return errorResponse(req, synaperr.New(synaperr.InvalidArgument, "unknown op %q", req.Op))
	}
}

func (c *client) closeSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		sub.Close()
	}
	for _, sub := range c.topics {
		sub.Close()
	}
}
