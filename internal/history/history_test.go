package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	f := NewFanout(nil, a, b)
	assert.Equal(t, 2, f.Len())

	err := f.Send(context.Background(), Event{Type: EventConnect, ConfigID: "x"})
	assert.Error(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
}

func TestNilFanout(t *testing.T) {
	var f *Fanout
	assert.Equal(t, 0, f.Len())
	assert.NoError(t, f.Send(context.Background(), Event{}))
}
