package ws

import (
	"time"

	"synap/internal/kv"
	"synap/internal/pubsub"
	"synap/internal/queue"
	"synap/internal/stream"
	"synap/internal/synaperr"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// decodeHeaders parses an optional JSON object into a structpb.Struct, the
// carrier type threaded through the oplog so free-form headers/metadata
// survive a WAL round trip without a wire format change. An empty or absent
// field decodes to nil rather than an error.
func decodeHeaders(raw []byte) (*structpb.Struct, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, synaperr.Wrap(synaperr.InvalidArgument, err, "decode headers")
	}
	return s, nil
}

func (c *client) handleKVSet(req request) response {
	opts := kv.SetOptions{
		OnlyIfExists:    req.OnlyIfExist,
		OnlyIfNotExists: req.OnlyIfNX,
	}
	if req.TTLMs > 0 {
		opts.TTL = time.Duration(req.TTLMs) * time.Millisecond
	}
	if err := c.gw.engines.KV.Set(req.Key, []byte(req.Value), opts); err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, nil)
}

func (c *client) handleKVGet(req request) response {
	v, err := c.gw.engines.KV.Get(req.Key)
	if err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, map[string]string{"value": string(v)})
}

func (c *client) handleKVDel(req request) response {
	existed, err := c.gw.engines.KV.Del(req.Key)
	if err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, map[string]bool{"existed": existed})
}

func (c *client) handleKVIncr(req request) response {
	v, err := c.gw.engines.KV.Incr(req.Key)
	if err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, map[string]int64{"value": v})
}

func (c *client) handleQueuePublish(req request) response {
	if req.Queue == "" {
		return errorResponse(req, synaperr.New(synaperr.InvalidArgument, "queue name required"))
	}
	headers, err := decodeHeaders(req.Headers)
	if err != nil {
		return errorResponse(req, err)
	}
	// req.MaxRetries omitted decodes to zero, indistinguishable from an
	// explicit "retry zero times"; treated as "use the queue default" since
	// that is what every existing caller expects from an absent field.
	opts := queue.PublishOptions{MaxRetries: -1, Headers: headers}
	if req.MaxRetries > 0 {
		opts.MaxRetries = req.MaxRetries
	}
	if req.TTLMs > 0 {
		opts.TTL = time.Duration(req.TTLMs) * time.Millisecond
	}
	q := c.gw.engines.Queue.Ensure(req.Queue)
	id, err := q.Publish([]byte(req.Value), req.Priority, opts)
	if err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, map[string]string{"entry_id": id})
}

func (c *client) handleQueueConsume(req request) response {
	q, err := c.gw.engines.Queue.Get(req.Queue)
	if err != nil {
		return errorResponse(req, err)
	}
	msg, err := q.Consume()
	if err != nil {
		return errorResponse(req, err)
	}
	result := map[string]interface{}{
		"entry_id": msg.EntryID,
		"priority": msg.Priority,
		"payload":  string(msg.Payload),
		"attempts": msg.Attempts,
	}
	if msg.Headers != nil {
		result["headers"] = msg.Headers.AsMap()
	}
	return okResponse(req, result)
}

func (c *client) handleQueueAck(req request) response {
	q, err := c.gw.engines.Queue.Get(req.Queue)
	if err != nil {
		return errorResponse(req, err)
	}
	if err := q.Ack(req.EntryID); err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, nil)
}

func (c *client) handleQueueNack(req request) response {
	q, err := c.gw.engines.Queue.Get(req.Queue)
	if err != nil {
		return errorResponse(req, err)
	}
	if err := q.Nack(req.EntryID); err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, nil)
}

func (c *client) handleStreamPublish(req request) response {
	metadata, err := decodeHeaders(req.Metadata)
	if err != nil {
		return errorResponse(req, err)
	}
	offset, err := c.gw.engines.Stream.Publish(req.Room, req.EventType, []byte(req.Value), metadata)
	if err != nil {
		return errorResponse(req, err)
	}
	return okResponse(req, map[string]uint64{"offset": offset})
}

func (c *client) handleStreamHistory(req request) response {
	events, truncated, err := c.gw.engines.Stream.History(req.Room, req.SinceOffset, req.Buffer)
	if err != nil {
		return errorResponse(req, err)
	}
	out := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		entry := map[string]interface{}{
			"offset":    ev.Offset,
			"type":      ev.Type,
			"payload":   string(ev.Payload),
			"timestamp": ev.Timestamp,
		}
		if ev.Metadata != nil {
			entry["metadata"] = ev.Metadata.AsMap()
		}
		out = append(out, entry)
	}
	return okResponse(req, map[string]interface{}{"events": out, "truncated": truncated})
}

func (c *client) handleStreamSubscribe(req request) response {
	sub, truncated, err := c.gw.engines.Stream.Subscribe(req.Room, req.SinceOffset, req.Buffer)
	if err != nil {
		return errorResponse(req, err)
	}

	c.mu.Lock()
	if existing, ok := c.subs[req.Room]; ok {
		existing.Close()
	}
	c.subs[req.Room] = sub
	c.mu.Unlock()

	go c.pumpStreamEvents(req.Room, sub)

	return okResponse(req, map[string]bool{"truncated": truncated})
}

func (c *client) pumpStreamEvents(room string, sub *stream.Subscription) {
	for ev := range sub.Events() {
		payload := map[string]interface{}{
			"room":      room,
			"offset":    ev.Offset,
			"type":      ev.Type,
			"payload":   string(ev.Payload),
			"timestamp": ev.Timestamp,
		}
		if ev.Metadata != nil {
			payload["metadata"] = ev.Metadata.AsMap()
		}
		c.pushEvent("stream.event", payload)
	}
}

func (c *client) handlePubSubPublish(req request) response {
	n := c.gw.engines.PubSub.Publish(req.Topic, []byte(req.Value))
	return okResponse(req, map[string]int{"delivered": n})
}

func (c *client) handlePubSubSubscribe(req request) response {
	sub := c.gw.engines.PubSub.Subscribe(req.Pattern, req.Buffer)

	c.mu.Lock()
	if existing, ok := c.topics[req.Pattern]; ok {
		existing.Close()
	}
	c.topics[req.Pattern] = sub
	c.mu.Unlock()

	go c.pumpPubSubEvents(sub)

	return okResponse(req, nil)
}

func (c *client) pumpPubSubEvents(sub *pubsub.Subscription) {
	for msg := range sub.Events() {
		c.pushEvent("pubsub.message", map[string]string{
			"topic":   msg.Topic,
			"payload": string(msg.Payload),
		})
	}
}
