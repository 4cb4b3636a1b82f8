package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/imgpipe/internal/config"
	"github.com/trunov/imgpipe/internal/discovery"
	"github.com/trunov/imgpipe/internal/queue"
)

type fakeQueue struct {
	mu       sync.Mutex
	snap     queue.Snapshot
	snapErr  error
	pending  map[string]bool
	enqueued []string
}

func newFakeQueue() *fakeQueue { return &fakeQueue{pending: map[string]bool{}} }

func (q *fakeQueue) Snapshot(context.Context) (queue.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap, q.snapErr
}

func (q *fakeQueue) HasPending(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[key], nil
}

func (q *fakeQueue) Enqueue(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[key] {
		return false, nil
	}
	q.pending[key] = true
	q.enqueued = append(q.enqueued, key)
	return true, nil
}

func (q *fakeQueue) enqueueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	keys  []string
	err   error
	calls int
	block chan struct{}
}

func (d *fakeDiscoverer) ListPending(_ context.Context, cursor string, limit int) (discovery.Page, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return discovery.Page{}, d.err
	}
	i := 0
	if cursor != "" {
		i = sort.SearchStrings(d.keys, cursor) + 1
	}
	end := i + limit
	if end >= len(d.keys) {
		rest := d.keys[i:]
		return discovery.Page{Keys: rest, Scanned: len(rest)}, nil
	}
	page := d.keys[i:end]
	return discovery.Page{Keys: page, Scanned: len(page), Next: page[len(page)-1]}, nil
}

type fakeLedger struct{ done map[string]bool }

func (l fakeLedger) IsConverted(_ context.Context, key string) (bool, error) { return l.done[key], nil }

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) Report(err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("img-%04d.jpg", i)
	}
	return out
}

func schedulerConfig(chunk int) config.SchedulerConfig {
	return config.SchedulerConfig{
		ChunkSize:          chunk,
		BackpressureFactor: 1.5,
		DiscoverySchedule:  "@every 1h",
		StatusSchedule:     "@every 1h",
		TickTimeout:        time.Minute,
	}
}

func TestGate_Admit(t *testing.T) {
	q := newFakeQueue()
	g := NewGate(q, 100, 1.5)
	assert.Equal(t, int64(150), g.Limit())

	for waiting, want := range map[int64]bool{0: true, 140: true, 150: true, 151: false, 1000: false} {
		q.snap.Waiting = waiting
		ok, snap, err := g.Admit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, ok, "waiting=%d", waiting)
		assert.Equal(t, waiting, snap.Waiting)
	}

	q.snapErr = errors.New("LOADING")
	ok, _, err := g.Admit(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestTick_BackpressureEnqueuesNothing(t *testing.T) {
	q := newFakeQueue()
	q.snap.Waiting = 151
	src := &fakeDiscoverer{keys: keys(10)}
	s := New(src, q, fakeLedger{}, schedulerConfig(100), nil)

	res, err := s.Tick(context.Background())

	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Added)
	assert.Zero(t, q.enqueueCount())
	assert.Zero(t, src.calls)
}

func TestTick_SmallPageStopsAfterOnePage(t *testing.T) {
	q := newFakeQueue()
	src := &fakeDiscoverer{keys: []string{"a.jpg", "b.jpg", "c.jpg"}}
	s := New(src, q, fakeLedger{}, schedulerConfig(100), nil)

	res, err := s.Tick(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, q.enqueued)
	assert.Equal(t, 1, src.calls)
}

func TestTick_SkipsPendingAndConverted(t *testing.T) {
	q := newFakeQueue()
	q.pending["b.jpg"] = true
	src := &fakeDiscoverer{keys: []string{"a.jpg", "b.jpg", "c.jpg"}}
	s := New(src, q, fakeLedger{done: map[string]bool{"c.jpg": true}}, schedulerConfig(100), nil)

	res, err := s.Tick(context.Background())

	require.NoError(t, err)
	assert.Equal(t, TickResult{Added: 1, Pending: 1, Converted: 1, Scanned: 3, Pages: 1}, res)
	assert.Equal(t, []string{"a.jpg"}, q.enqueued)
}

func TestTick_GrowthBoundedByChunk(t *testing.T) {
	q := newFakeQueue()
	all := keys(250)
	for _, k := range all[:50] {
		q.pending[k] = true
	}
	src := &fakeDiscoverer{keys: all}
	s := New(src, q, fakeLedger{}, schedulerConfig(100), nil)

	res, err := s.Tick(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 100, res.Added)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 100, q.enqueueCount())
	assert.Equal(t, all[50], q.enqueued[0])
	assert.Equal(t, all[149], q.enqueued[99])

	// the next tick continues where the backlog left off
	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, res.Added)
	assert.Equal(t, 200, q.enqueueCount())
}

func TestTick_SingleFlight(t *testing.T) {
	q := newFakeQueue()
	src := &fakeDiscoverer{keys: []string{"a.jpg"}, block: make(chan struct{})}
	s := New(src, q, fakeLedger{}, schedulerConfig(100), nil)

	first := make(chan TickResult, 1)
	go func() {
		res, _ := s.Tick(context.Background())
		first <- res
	}()
	require.Eventually(t, s.running.Load, time.Second, time.Millisecond)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(src.block)
	assert.Equal(t, 1, (<-first).Added)
	assert.False(t, s.running.Load())
}

func TestTick_DiscoveryErrorReleasesGuard(t *testing.T) {
	q := newFakeQueue()
	src := &fakeDiscoverer{err: errors.New("SlowDown")}
	rep := &fakeReporter{}
	s := New(src, q, fakeLedger{}, schedulerConfig(100), rep)

	_, err := s.Tick(context.Background())
	assert.ErrorContains(t, err, "SlowDown")
	assert.Len(t, rep.errs, 1)
	assert.False(t, s.running.Load())

	src.err = nil
	src.keys = []string{"a.jpg"}
	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
}

func TestTick_SnapshotErrorSkips(t *testing.T) {
	q := newFakeQueue()
	q.snapErr = errors.New("connection refused")
	src := &fakeDiscoverer{keys: []string{"a.jpg"}}
	s := New(src, q, fakeLedger{}, schedulerConfig(100), &fakeReporter{})

	res, err := s.Tick(context.Background())

	assert.Error(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, src.calls)
}

func TestLogStatus(t *testing.T) {
	q := newFakeQueue()
	q.snap = queue.Snapshot{Waiting: 3, Active: 1, Failed: 2}

	snap, err := LogStatus(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, q.snap, snap)
}

func TestStart_RunsOnStartAndStops(t *testing.T) {
	q := newFakeQueue()
	src := &fakeDiscoverer{keys: []string{"a.jpg", "b.jpg"}}
	cfg := schedulerConfig(100)
	cfg.RunOnStart = true
	s := New(src, q, fakeLedger{}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return q.enqueueCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStart_BadSchedule(t *testing.T) {
	cfg := schedulerConfig(100)
	cfg.DiscoverySchedule = "every now and then"
	s := New(&fakeDiscoverer{}, newFakeQueue(), fakeLedger{}, cfg, nil)

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "discovery schedule")
}

type fakeLease struct {
	held     bool
	released int
}

func (l *fakeLease) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	if l.held {
		return func() {}, false, nil
	}
	l.held = true
	return func() { l.held = false; l.released++ }, true, nil
}

func TestTick_LeaseHeldElsewhere(t *testing.T) {
	q := newFakeQueue()
	src := &fakeDiscoverer{keys: []string{"a.jpg"}}
	s := New(src, q, fakeLedger{}, schedulerConfig(100), nil)
	lease := &fakeLease{held: true}
	s.UseLease(lease)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, src.calls)

	lease.held = false
	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, lease.released)
	assert.False(t, lease.held)
}
