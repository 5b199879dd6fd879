// Package event fans out server telemetry to any number of subscribers.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/gamevisor/internal/metrics"
)

type Topic string

const (
	TopicLog            Topic = "log"
	TopicStatus         Topic = "status"
	TopicStats          Topic = "stats"
	TopicPlayerJoin     Topic = "player:join"
	TopicPlayerLeave    Topic = "player:leave"
	TopicBackupProgress Topic = "backup:progress"
	TopicBackupStatus   Topic = "backup:status"
)

// Topics lists every topic in a stable order.
var Topics = []Topic{
	TopicLog, TopicStatus, TopicStats, TopicPlayerJoin, TopicPlayerLeave,
	TopicBackupProgress, TopicBackupStatus,
}

// ParseTopic reports whether s names a known topic.
func ParseTopic(s string) (Topic, bool) {
	for _, t := range Topics {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Event is one published message. Payload is one of the *Payload types below.
type Event struct {
	Topic    Topic     `json:"topic"`
	ServerID string    `json:"serverId"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload"`
}

type LogPayload struct {
	ServerID string `json:"serverId"`
	Line     string `json:"line"`
	Stream   string `json:"stream,omitempty"`
}

type StatusPayload struct {
	ServerID string `json:"serverId"`
	Status   string `json:"status"`
	Previous string `json:"previous,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type StatsPayload struct {
	ServerID string  `json:"serverId"`
	CPU      float64 `json:"cpu"`
	Memory   uint64  `json:"memory"`
	PID      int     `json:"pid"`
	TPS      float64 `json:"tps"`
	Uptime   int64   `json:"uptime"`
}

type PlayerPayload struct {
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
}

type BackupProgressPayload struct {
	ServerID string `json:"serverId"`
	BackupID string `json:"backupId"`
	Percent  int    `json:"percent"`
}

type BackupStatusPayload struct {
	ServerID string `json:"serverId"`
	BackupID string `json:"backupId"`
	Op       string `json:"op"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// Publisher is the publishing side of a Bus.
type Publisher interface {
	Publish(e Event)
}

// Subscription receives matching events on C until it or its Bus is closed.
type Subscription struct {
	bus      *Bus
	ch       chan Event
	topics   map[Topic]bool
	serverID string
	dropped  atomic.Uint64
	once     sync.Once
}

// C returns the delivery channel. It is closed by Close or Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.closeChan()
}

func (s *Subscription) closeChan() { s.once.Do(func() { close(s.ch) }) }

func (s *Subscription) matches(e Event) bool {
	if s.serverID != "" && s.serverID != e.ServerID {
		return false
	}
	return len(s.topics) == 0 || s.topics[e.Topic]
}

// Bus delivers each published event to every matching subscriber. Delivery
// never blocks the publisher: a full subscriber buffer drops that event for
// that subscriber only. Events from one publisher reach a subscriber in
// publish order. There is no replay for late subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[*Subscription]struct{}), logger: logger}
}

// DefaultBuffer is used when Subscribe is given a non-positive size.
const DefaultBuffer = 256

// Subscribe registers a subscriber for topics (all topics when none given).
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	return b.SubscribeServer("", buffer, topics...)
}

// SubscribeServer is Subscribe restricted to events of one server.
func (b *Bus) SubscribeServer(serverID string, buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer), serverID: serverID}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeChan()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if s.dropped.Add(1) == 1 {
				b.logger.Warn("event subscriber is falling behind; dropping events", "topic", e.Topic, "server", e.ServerID)
			}
			metrics.IncEventDropped(string(e.Topic))
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops delivery and closes every subscription channel. Events already
// buffered remain readable until drained.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeChan()
		delete(b.subs, s)
	}
}
