package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	m := Multi{a, b}
	code := 1
	err := m.Send(context.Background(), Event{
		Type:       EventCrash,
		OccurredAt: time.Now(),
		Record:     Record{ServerID: "s1", Status: "CRASHED", PID: 42, ExitCode: &code},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, 1, *a.events[0].Record.ExitCode)

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestEmptyMulti(t *testing.T) {
	assert.NoError(t, Multi(nil).Send(context.Background(), Event{}))
}
