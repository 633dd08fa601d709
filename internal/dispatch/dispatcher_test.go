package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/rooms"
)

type memLog struct {
	mu     sync.Mutex
	events []*models.Event
	fails  int
}

func (m *memLog) add(topic string, critical bool) *models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &models.Event{
		Sequence: uint64(len(m.events) + 1),
		Kind:     models.KindIncidentReported,
		Topic:    topic,
		Payload:  []byte(`{}`),
		Critical: critical,
	}
	m.events = append(m.events, e)
	return e
}

func (m *memLog) Head() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.events))
}

func (m *memLog) ReadFrom(_ context.Context, from uint64, _ models.EventFilter) iter.Seq2[*models.Event, error] {
	return func(yield func(*models.Event, error) bool) {
		m.mu.Lock()
		if m.fails > 0 {
			m.fails--
			m.mu.Unlock()
			yield(nil, errors.New("backing busy"))
			return
		}
		snapshot := append([]*models.Event(nil), m.events...)
		m.mu.Unlock()
		for _, e := range snapshot {
			if e.Sequence < from {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

type connSet struct {
	mu       sync.Mutex
	outboxes map[string]*Outbox
}

func newConnSet(capacity int, ids ...string) *connSet {
	c := &connSet{outboxes: make(map[string]*Outbox)}
	for _, id := range ids {
		c.outboxes[id] = NewOutbox(capacity)
	}
	return c
}

func (c *connSet) Outbox(id string) *Outbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outboxes[id]
}

func sequences(items []Item) []uint64 {
	var out []uint64
	for _, it := range items {
		if !it.Resync {
			out = append(out, it.Event.Sequence)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T, log *memLog, reg *rooms.Registry, conns *connSet) (*Dispatcher, *FileCursor) {
	t.Helper()
	cursor := NewFileCursor(filepath.Join(t.TempDir(), "cursor"))
	d, err := New(log, reg, conns, cursor, Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return d, cursor
}

func TestDispatcher_DeliversToMatchingRoomsOnly(t *testing.T) {
	log := &memLog{}
	reg := rooms.NewRegistry()
	conns := newConnSet(16, "west", "east")
	_, _ = reg.Subscribe("west", "region.west.*")
	_, _ = reg.Subscribe("east", "region.east")
	d, _ := newTestDispatcher(t, log, reg, conns)
	ctx := context.Background()

	d.handle(ctx, log.add("region.west.incidents.a", false))
	d.handle(ctx, log.add("region.east.incidents.b", false))
	d.handle(ctx, log.add("region.west.incidents.c", false))

	assert.Equal(t, []uint64{1, 3}, sequences(conns.Outbox("west").Drain()))
	assert.Equal(t, []uint64{2}, sequences(conns.Outbox("east").Drain()))
	assert.Equal(t, uint64(3), d.Position())
}

func TestDispatcher_GapTriggersCatchUp(t *testing.T) {
	log := &memLog{}
	reg := rooms.NewRegistry()
	conns := newConnSet(16, "c1")
	_, _ = reg.Subscribe("c1", "*")
	d, _ := newTestDispatcher(t, log, reg, conns)
	ctx := context.Background()

	log.add("region.west", false)
	log.add("region.west", false)
	third := log.add("region.west", false)

	d.handle(ctx, third)
	d.handle(ctx, third)
	assert.Equal(t, []uint64{1, 2, 3}, sequences(conns.Outbox("c1").Drain()))
}

func TestDispatcher_RetriesLogReads(t *testing.T) {
	log := &memLog{fails: 2}
	reg := rooms.NewRegistry()
	conns := newConnSet(16, "c1")
	_, _ = reg.Subscribe("c1", "region")
	d, _ := newTestDispatcher(t, log, reg, conns)

	log.add("region.west", false)
	log.add("region.east", false)
	d.catchUp(context.Background())
	assert.Equal(t, []uint64{1, 2}, sequences(conns.Outbox("c1").Drain()))
}

func TestDispatcher_ResumesFromCursor(t *testing.T) {
	log := &memLog{}
	reg := rooms.NewRegistry()
	conns := newConnSet(16, "c1")
	_, _ = reg.Subscribe("c1", "*")
	d, cursor := newTestDispatcher(t, log, reg, conns)
	ctx := context.Background()

	d.handle(ctx, log.add("region.west", false))
	d.handle(ctx, log.add("region.west", false))
	d.checkpoint()
	conns.Outbox("c1").Drain()

	log.add("region.west", false)
	restarted, err := New(log, reg, conns, cursor, Options{})
	require.NoError(t, err)
	restarted.catchUp(ctx)
	assert.Equal(t, []uint64{3}, sequences(conns.Outbox("c1").Drain()))
}

func TestDispatcher_RunDeliversAndPersists(t *testing.T) {
	log := &memLog{}
	reg := rooms.NewRegistry()
	conns := newConnSet(64, "c1")
	_, _ = reg.Subscribe("c1", "incident.inc-1")
	d, cursor := newTestDispatcher(t, log, reg, conns)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var mu sync.Mutex
	var got []uint64
	for i := 0; i < 5; i++ {
		e := &models.Event{Kind: models.KindIncidentReported, Topic: "region.west.incidents.inc-1", Payload: []byte(`{"id":"inc-1"}`)}
		log.mu.Lock()
		e.Sequence = uint64(len(log.events) + 1)
		log.events = append(log.events, e)
		log.mu.Unlock()
		// Odd events bypass the intake and are found by the poll.
		if i%2 == 0 {
			d.Enqueue(e)
		}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, sequences(conns.Outbox("c1").Drain())...)
		return len(got) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)

	cancel()
	require.NoError(t, <-done)
	seq, err := cursor.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
}

func TestDispatcher_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	log := &memLog{}
	reg := rooms.NewRegistry()
	conns := newConnSet(100, "fast")
	conns.outboxes["slow"] = NewOutbox(2)
	_, _ = reg.Subscribe("fast", "region.west")
	_, _ = reg.Subscribe("slow", "region.west")
	d, _ := newTestDispatcher(t, log, reg, conns)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d.handle(ctx, log.add(fmt.Sprintf("region.west.incidents.i%d", i), false))
	}
	assert.Len(t, sequences(conns.Outbox("fast").Drain()), 10)

	slow := conns.Outbox("slow").Drain()
	require.Len(t, slow, 3)
	assert.True(t, slow[0].Resync)
	assert.Equal(t, uint64(1), slow[0].FromSequence)
	assert.Equal(t, []uint64{9, 10}, sequences(slow))
}

func TestDispatcher_CursorAheadOfLogRewinds(t *testing.T) {
	log := &memLog{}
	reg := rooms.NewRegistry()
	conns := newConnSet(16, "c1")
	_, _ = reg.Subscribe("c1", "*")
	cursor := NewFileCursor(filepath.Join(t.TempDir(), "cursor"))
	require.NoError(t, cursor.Save(99))
	d, err := New(log, reg, conns, cursor, Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	log.add("region.west", false)

	require.Eventually(t, func() bool { return conns.Outbox("c1").Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
