package stream

import (
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"synap/internal/oplog"
	"synap/internal/synaperr"

	"google.golang.org/protobuf/types/known/structpb"
)

// AssignmentStrategy selects how a consumer group's partitions are divided
// among its members.
type AssignmentStrategy string

const (
	// AssignRoundRobin deals partitions to members one at a time in order.
	AssignRoundRobin AssignmentStrategy = "round_robin"
	// AssignRange splits the partition space into contiguous per-member runs.
	AssignRange AssignmentStrategy = "range"
	// AssignSticky preserves a member's previous partitions across a rebalance
	// wherever possible, only reassigning what the membership change forces.
	AssignSticky AssignmentStrategy = "sticky"
)

// partitionRoom maps a partitioned topic to the underlying room name: each
// partition is its own room (named "<topic>#<partition>"), so Manager's
// ring buffer and retention machinery is reused unchanged for partitioned
// storage.
func partitionRoom(topic string, partition int) string {
	return topic + "#" + itoa(partition)
}

// parsePartitionRoom reverses partitionRoom, splitting a room name back into
// its topic and partition index. Used to recover the partition a replayed
// StreamCommit record applies to.
func parsePartitionRoom(room string) (topic string, partition int, ok bool) {
	idx := strings.LastIndexByte(room, '#')
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(room[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return room[:idx], n, true
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// member is one consumer in a group.
type member struct {
	id            string
	lastHeartbeat time.Time
	assigned      []int
}

// Group coordinates a set of consumers sharing a partitioned topic, durably
// committing per-partition offsets and rebalancing membership on join,
// leave, or heartbeat timeout.
type Group struct {
	mu sync.Mutex

	topic        string
	partitions   int
	strategy     AssignmentStrategy
	sessionTO    time.Duration
	manager      *Manager
	appender     Appender
	clock        func() time.Time

	members    map[string]*member
	committed  map[int]uint64 // partition -> committed offset
}

// GroupOptions configures a new consumer Group.
type GroupOptions struct {
	Topic             string
	Partitions        int
	Strategy          AssignmentStrategy
	SessionTimeout    time.Duration
	Appender          Appender
	Clock             func() time.Time
}

// NewGroup constructs a Group bound to m's partitioned rooms.
func (m *Manager) NewGroup(opts GroupOptions) *Group {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Strategy == "" {
		opts.Strategy = AssignRoundRobin
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = m.clock
	}
	return &Group{
		topic:      opts.Topic,
		partitions: opts.Partitions,
		strategy:   opts.Strategy,
		sessionTO:  opts.SessionTimeout,
		manager:    m,
		appender:   opts.Appender,
		clock:      opts.Clock,
		members:    make(map[string]*member),
		committed:  make(map[int]uint64),
	}
}

// Publish appends payload to the given partition of the group's topic.
func (g *Group) Publish(partition int, eventType string, payload []byte) (uint64, error) {
	return g.PublishWithMetadata(partition, eventType, payload, nil)
}

// PublishWithMetadata is Publish plus free-form metadata carried alongside
// the event.
func (g *Group) PublishWithMetadata(partition int, eventType string, payload []byte, metadata *structpb.Struct) (uint64, error) {
	if partition < 0 || partition >= g.partitions {
		return 0, synaperr.New(synaperr.InvalidArgument, "stream: partition %d out of range [0,%d)", partition, g.partitions)
	}
	return g.manager.Publish(partitionRoom(g.topic, partition), eventType, payload, metadata)
}

// partitionForKey hashes key to one of the group's partitions with FNV-1a,
// giving callers a stable way to route related events (e.g. everything for
// one entity) to the same partition without tracking partition indices
// themselves.
func (g *Group) partitionForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(g.partitions))
}

// PublishByKey hashes key to a partition and publishes payload there,
// returning the chosen partition alongside the resulting offset.
func (g *Group) PublishByKey(key, eventType string, payload []byte, metadata *structpb.Struct) (partition int, offset uint64, err error) {
	partition = g.partitionForKey(key)
	offset, err = g.PublishWithMetadata(partition, eventType, payload, metadata)
	return partition, offset, err
}

// Join admits memberID to the group (or refreshes its heartbeat if already
// present) and returns the current partition assignment after rebalancing.
func (g *Group) Join(memberID string) map[string][]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if _, ok := g.members[memberID]; !ok {
		g.members[memberID] = &member{id: memberID, lastHeartbeat: now}
	} else {
		g.members[memberID].lastHeartbeat = now
	}
	g.rebalanceLocked()
	return g.assignmentSnapshotLocked()
}

// Heartbeat refreshes memberID's liveness without forcing a rebalance.
func (g *Group) Heartbeat(memberID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[memberID]
	if !ok {
		return synaperr.New(synaperr.NotFound, "stream: group member %q not joined", memberID)
	}
	m.lastHeartbeat = g.clock()
	return nil
}

// Leave removes memberID and rebalances the remaining members.
func (g *Group) Leave(memberID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, memberID)
	g.rebalanceLocked()
}

// ExpireStale removes members whose heartbeat is older than the session
// timeout and rebalances; call on a background tick.
func (g *Group) ExpireStale() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	var expired []string
	for id, m := range g.members {
		if now.Sub(m.lastHeartbeat) > g.sessionTO {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(g.members, id)
	}
	if len(expired) > 0 {
		g.rebalanceLocked()
	}
	return expired
}

// rebalanceLocked recomputes partition assignment under g.mu.
func (g *Group) rebalanceLocked() {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return
	}

	switch g.strategy {
	case AssignRange:
		per := g.partitions / len(ids)
		extra := g.partitions % len(ids)
		p := 0
		for i, id := range ids {
			count := per
			if i < extra {
				count++
			}
			assigned := make([]int, 0, count)
			for j := 0; j < count; j++ {
				assigned = append(assigned, p)
				p++
			}
			g.members[id].assigned = assigned
		}
	case AssignSticky:
		taken := make(map[int]bool)
		for _, id := range ids {
			kept := g.members[id].assigned[:0]
			for _, p := range g.members[id].assigned {
				if p < g.partitions && !taken[p] {
					kept = append(kept, p)
					taken[p] = true
				}
			}
			g.members[id].assigned = kept
		}
		var unassigned []int
		for p := 0; p < g.partitions; p++ {
			if !taken[p] {
				unassigned = append(unassigned, p)
			}
		}
		i := 0
		for _, p := range unassigned {
			id := ids[i%len(ids)]
			g.members[id].assigned = append(g.members[id].assigned, p)
			i++
		}
	default: // AssignRoundRobin
		for _, id := range ids {
			g.members[id].assigned = nil
		}
		for p := 0; p < g.partitions; p++ {
			id := ids[p%len(ids)]
			g.members[id].assigned = append(g.members[id].assigned, p)
		}
	}
}

func (g *Group) assignmentSnapshotLocked() map[string][]int {
	out := make(map[string][]int, len(g.members))
	for id, m := range g.members {
		out[id] = append([]int(nil), m.assigned...)
	}
	return out
}

// Commit durably records the consumed offset for partition, writing a
// StreamCommit OperationRecord so recovery resumes from the last committed
// position rather than redelivering from the start.
func (g *Group) Commit(partition int, offset uint64) error {
	if partition < 0 || partition >= g.partitions {
		return synaperr.New(synaperr.InvalidArgument, "stream: partition %d out of range [0,%d)", partition, g.partitions)
	}
	if g.appender != nil {
		rec := &oplog.Record{
			Kind:         oplog.StreamCommit,
			Room:         partitionRoom(g.topic, partition),
			Topic:        g.topic,
			Group:        g.groupKey(),
			CommitOffset: offset,
		}
		if _, err := g.appender.Append(rec); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.committed[partition] = offset
	g.mu.Unlock()
	return nil
}

// SetAppender swaps the group's durability sink. Used once WAL-tail replay
// has caught the group's committed offsets up to the live offset.
func (g *Group) SetAppender(appender Appender) {
	g.mu.Lock()
	g.appender = appender
	g.mu.Unlock()
}

// Apply replays a previously-durable StreamCommit record against the
// group's committed-offset table without re-appending it. The partition is
// recovered from the record's room name rather than carried separately,
// since Commit derives that room name from the same partitionRoom helper.
func (g *Group) Apply(rec *oplog.Record) error {
	if rec.Kind != oplog.StreamCommit {
		return nil
	}
	_, partition, ok := parsePartitionRoom(rec.Room)
	if !ok || partition < 0 || partition >= g.partitions {
		return synaperr.New(synaperr.InvalidArgument, "stream: replayed commit for unparseable room %q", rec.Room)
	}
	g.mu.Lock()
	g.committed[partition] = rec.CommitOffset
	g.mu.Unlock()
	return nil
}

// CommittedOffset returns the last durably committed offset for partition.
func (g *Group) CommittedOffset(partition int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed[partition]
}

func (g *Group) groupKey() string {
	return g.topic
}
