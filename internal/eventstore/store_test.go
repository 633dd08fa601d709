package eventstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahyog/sahyog-backend/internal/models"
	"github.com/sahyog/sahyog-backend/internal/repository"
)

func newTestStore(t *testing.T, opts Options) (*Store, *repository.SQLiteRepository) {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.Migrate(context.Background()))
	s, err := New(context.Background(), repo, opts)
	require.NoError(t, err)
	return s, repo
}

func incidentEvent(topic string) *models.Event {
	return &models.Event{
		Kind:       models.KindIncidentReported,
		Topic:      topic,
		Payload:    []byte(`{"id":"a"}`),
		ProducerID: "test",
	}
}

func TestAppend_ConcurrentSequencesAreGapFree(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	const n = 40
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = make(map[uint64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, dup, err := s.Append(ctx, incidentEvent("region.west.incidents.a"))
			if !assert.NoError(t, err) {
				return
			}
			assert.False(t, dup)
			mu.Lock()
			seqs[ev.Sequence] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seqs, n)
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seqs[i], "missing sequence %d", i)
	}
	assert.Equal(t, uint64(n), s.Head())
}

func TestAppend_SetsRecordedAndOccurredAt(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	occurred := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := incidentEvent("region.west")
	ev.OccurredAt = occurred

	stored, _, err := s.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Sequence)
	assert.True(t, stored.OccurredAt.Equal(occurred))
	assert.False(t, stored.RecordedAt.IsZero())
	assert.Equal(t, uint64(0), ev.Sequence, "caller's event must not be mutated")

	stored, _, err = s.Append(context.Background(), incidentEvent("region.west"))
	require.NoError(t, err)
	assert.False(t, stored.OccurredAt.IsZero())
}

func TestAppend_IdempotencyKeyReturnsOriginal(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	first := incidentEvent("region.west.incidents.a")
	first.IdempotencyKey = "k-1"
	a, dup, err := s.Append(ctx, first)
	require.NoError(t, err)
	require.False(t, dup)

	again := incidentEvent("region.west.incidents.a")
	again.IdempotencyKey = "k-1"
	b, dup, err := s.Append(ctx, again)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, a.Sequence, b.Sequence)
	assert.Equal(t, uint64(1), s.Head())
}

func TestAppend_IdempotencyWindowExpires(t *testing.T) {
	s, _ := newTestStore(t, Options{Retention: time.Minute})
	ctx := context.Background()
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	ev := incidentEvent("region.west")
	ev.IdempotencyKey = "k-2"
	_, _, err := s.Append(ctx, ev)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	again := incidentEvent("region.west")
	again.IdempotencyKey = "k-2"
	stored, dup, err := s.Append(ctx, again)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, uint64(2), stored.Sequence)
}

func TestReadFrom_RestartableAndOrdered(t *testing.T) {
	s, _ := newTestStore(t, Options{PageSize: 3})
	ctx := context.Background()
	topics := []string{"region.west.incidents.a", "region.east.incidents.b", "region.west.resources.shelter.s1"}
	for i := 0; i < 10; i++ {
		_, _, err := s.Append(ctx, incidentEvent(topics[i%len(topics)]))
		require.NoError(t, err)
	}

	collect := func(from uint64, filter models.EventFilter) []uint64 {
		var out []uint64
		for ev, err := range s.ReadFrom(ctx, from, filter) {
			require.NoError(t, err)
			out = append(out, ev.Sequence)
		}
		return out
	}

	first := collect(0, models.EventFilter{})
	second := collect(0, models.EventFilter{})
	assert.Equal(t, first, second)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, first)

	assert.Equal(t, []uint64{8, 9, 10}, collect(8, models.EventFilter{}))
	assert.Equal(t, []uint64{1, 3, 4, 6, 7, 9, 10}, collect(0, models.EventFilter{TopicPrefix: "region.west"}))
	assert.Empty(t, collect(11, models.EventFilter{}))
}

func TestReadFrom_StopsEarly(t *testing.T) {
	s, _ := newTestStore(t, Options{PageSize: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := s.Append(ctx, incidentEvent("region.west"))
		require.NoError(t, err)
	}
	count := 0
	for range s.ReadFrom(ctx, 1, models.EventFilter{}) {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestPage(t *testing.T) {
	s, _ := newTestStore(t, Options{PageSize: 4})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, _, err := s.Append(ctx, incidentEvent("region.west"))
		require.NoError(t, err)
	}

	page, err := s.Page(ctx, 0, models.EventFilter{}, 100)
	require.NoError(t, err)
	assert.Len(t, page.Events, 4, "limit is capped by page size")
	assert.Equal(t, uint64(5), page.NextFrom)

	page, err = s.Page(ctx, page.NextFrom, models.EventFilter{}, 4)
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.Equal(t, uint64(7), page.NextFrom)

	page, err = s.Page(ctx, page.NextFrom, models.EventFilter{}, 4)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, uint64(7), page.NextFrom)
}

func TestNew_ResumesHead(t *testing.T) {
	s, repo := newTestStore(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := s.Append(ctx, incidentEvent("region.west"))
		require.NoError(t, err)
	}

	reopened, err := New(ctx, repo, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reopened.Head())
	ev, _, err := reopened.Append(ctx, incidentEvent("region.west"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Sequence)
}

func TestAppend_StoreUnavailable(t *testing.T) {
	s, repo := newTestStore(t, Options{})
	ctx := context.Background()
	_, _, err := s.Append(ctx, incidentEvent("region.west"))
	require.NoError(t, err)

	require.NoError(t, repo.Close())
	_, _, err = s.Append(ctx, incidentEvent("region.west"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	assert.Equal(t, uint64(1), s.Head(), "failed append must not advance the head")
}

func TestAppend_DeadlineWhileWriterBusy(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	s.writer <- struct{}{}
	defer func() { <-s.writer }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := s.Append(ctx, incidentEvent("region.west"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSubscribe_SignalsOnCommit(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ch, cancel := s.Subscribe()
	defer cancel()

	_, _, err := s.Append(context.Background(), incidentEvent("region.west"))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected append notification")
	}
}

// lostAckRepo commits inserts but reports failure for the first failN of them.
type lostAckRepo struct {
	*repository.SQLiteRepository
	failN int
}

func (r *lostAckRepo) InsertEvent(ctx context.Context, ev *models.Event) error {
	if err := r.SQLiteRepository.InsertEvent(ctx, ev); err != nil {
		return err
	}
	if r.failN > 0 {
		r.failN--
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestAppend_CommitWithLostAcknowledgement(t *testing.T) {
	_, base := newTestStore(t, Options{})
	ctx := context.Background()
	repo := &lostAckRepo{SQLiteRepository: base, failN: 1}
	s, err := New(ctx, repo, Options{})
	require.NoError(t, err)

	ev := incidentEvent("region.west")
	ev.IdempotencyKey = "assignment:asg-1:created"
	stored, dup, err := s.Append(ctx, ev)
	require.NoError(t, err, "a committed insert is reported as stored")
	assert.False(t, dup)
	assert.Equal(t, uint64(1), stored.Sequence)
	assert.Equal(t, uint64(1), s.Head())

	again, dup, err := s.Append(ctx, ev)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, uint64(1), again.Sequence)

	next, _, err := s.Append(ctx, incidentEvent("region.west"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Sequence)
}
