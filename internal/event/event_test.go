package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFilterAndOrder(t *testing.T) {
	b := NewBus(nil)
	logs := b.Subscribe(100, TopicLog)
	all := b.Subscribe(100)

	for i := 0; i < 50; i++ {
		b.Publish(Event{Topic: TopicLog, ServerID: "s1", Payload: LogPayload{ServerID: "s1", Line: string(rune('a' + i%26))}})
	}
	b.Publish(Event{Topic: TopicStatus, ServerID: "s1", Payload: StatusPayload{ServerID: "s1", Status: "ONLINE"}})

	for i := 0; i < 50; i++ {
		e := <-logs.C()
		require.Equal(t, TopicLog, e.Topic)
		assert.Equal(t, string(rune('a'+i%26)), e.Payload.(LogPayload).Line)
		assert.False(t, e.Time.IsZero())
	}
	select {
	case e := <-logs.C():
		t.Fatalf("unexpected event %v", e.Topic)
	default:
	}
	assert.Len(t, all.C(), 51)
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBus(nil)
	slow := b.Subscribe(2)
	fast := b.Subscribe(100)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Topic: TopicStats, ServerID: "s1"})
	}
	assert.EqualValues(t, 8, slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.Len(t, fast.C(), 10)
}

func TestServerScopedSubscription(t *testing.T) {
	b := NewBus(nil)
	s1 := b.SubscribeServer("s1", 10, TopicPlayerJoin)
	b.Publish(Event{Topic: TopicPlayerJoin, ServerID: "s2", Payload: PlayerPayload{ServerID: "s2", Name: "Alex"}})
	b.Publish(Event{Topic: TopicPlayerJoin, ServerID: "s1", Payload: PlayerPayload{ServerID: "s1", Name: "Steve"}})
	e := <-s1.C()
	assert.Equal(t, "Steve", e.Payload.(PlayerPayload).Name)
	assert.Len(t, s1.C(), 0)
}

func TestCloseKeepsBufferedEvents(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe(10)
	b.Publish(Event{Topic: TopicBackupStatus, ServerID: "s1"})
	b.Close()
	b.Publish(Event{Topic: TopicBackupStatus, ServerID: "s1"})

	var got int
	for range sub.C() {
		got++
	}
	assert.Equal(t, 1, got)
	assert.Zero(t, b.Subscribers())

	late := b.Subscribe(1)
	_, ok := <-late.C()
	assert.False(t, ok)
	b.Close()
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe(1)
	sub.Close()
	sub.Close()
	assert.Zero(t, b.Subscribers())
	b.Publish(Event{Topic: TopicLog})
}

func TestParseTopic(t *testing.T) {
	tp, ok := ParseTopic("backup:progress")
	assert.True(t, ok)
	assert.Equal(t, TopicBackupProgress, tp)
	_, ok = ParseTopic("nope")
	assert.False(t, ok)
}
