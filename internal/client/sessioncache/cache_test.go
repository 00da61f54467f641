package sessioncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atinyakov/GophSession/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/abtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeFetcher returns the session or error currently configured and counts
// calls. When gate is set, every call blocks until it is closed.
type fakeFetcher struct {
	mu      sync.Mutex
	session *models.Session
	err     error
	gate    chan struct{}
	calls   atomic.Int32
	// ctxErr is the context error seen when the last call returned.
	ctxErr error
}

func (f *fakeFetcher) set(s *models.Session, err error) {
	f.mu.Lock()
	f.session, f.err = s, err
	f.mu.Unlock()
}

func (f *fakeFetcher) CurrentSession(ctx context.Context) (*models.Session, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	return f.session, f.err
}

func session(key string) *models.Session {
	return &models.Session{IdentityKey: key, Provider: models.ProviderAnonymous}
}

func TestRead_MemoizesWithinTTL(t *testing.T) {
	clock := abtime.NewManual()
	f := &fakeFetcher{session: session("a")}
	c := New(f, time.Second, clock, nil)
	ctx := context.Background()

	assert.Equal(t, "a", c.Read(ctx).IdentityKey)
	f.set(session("b"), nil)
	assert.Equal(t, "a", c.Read(ctx).IdentityKey)
	assert.EqualValues(t, 1, f.calls.Load())

	clock.Advance(time.Second)
	assert.Equal(t, "b", c.Read(ctx).IdentityKey)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestRead_CachesAbsence(t *testing.T) {
	f := &fakeFetcher{}
	c := New(f, time.Second, abtime.NewManual(), nil)

	assert.Nil(t, c.Read(context.Background()))
	assert.Nil(t, c.Read(context.Background()))
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestInvalidate_NextReadIsFresh(t *testing.T) {
	f := &fakeFetcher{session: session("old")}
	c := New(f, time.Hour, abtime.NewManual(), nil)
	ctx := context.Background()

	require.Equal(t, "old", c.Read(ctx).IdentityKey)
	f.set(session("new"), nil)
	c.Invalidate()
	assert.Equal(t, "new", c.Read(ctx).IdentityKey)
}

func TestInvalidate_InFlightFetchNotServedAfterwards(t *testing.T) {
	f := &fakeFetcher{session: session("before"), gate: make(chan struct{})}
	c := New(f, time.Hour, abtime.NewManual(), nil)
	ctx := context.Background()

	first := make(chan *models.Session, 1)
	go func() { first <- c.Read(ctx) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Invalidate()
	f.mu.Lock()
	f.session = session("after")
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	close(gate)

	assert.Equal(t, "after", c.Read(ctx).IdentityKey)
	// the straddling read still completes for its own caller
	assert.NotNil(t, <-first)
	// and was not cached over the post-invalidation value
	assert.Equal(t, "after", c.Read(ctx).IdentityKey)
}

func TestRead_CoalescesConcurrentCallers(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{session: session("shared"), gate: gate}
	c := New(f, time.Second, abtime.NewManual(), nil)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*models.Session, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Read(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return f.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	// every caller either joined the in-flight fetch or hit the fresh entry
	assert.EqualValues(t, 1, f.calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r.IdentityKey)
	}
}

func TestRead_CancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{session: session("shared"), gate: gate}
	c := New(f, time.Second, abtime.NewManual(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() {
		_, ok := c.ReadOK(ctx)
		first <- ok
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	joined := make(chan *models.Session, 1)
	go func() { joined <- c.Read(context.Background()) }()

	cancel()
	select {
	case ok := <-first:
		assert.False(t, ok, "a cancelled caller gets the fallback")
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}

	close(gate)
	s := <-joined
	require.NotNil(t, s)
	assert.Equal(t, "shared", s.IdentityKey)
	assert.EqualValues(t, 1, f.calls.Load())
	f.mu.Lock()
	assert.NoError(t, f.ctxErr, "the shared fetch outlives its first caller")
	f.mu.Unlock()
}

func TestRead_FailSoft(t *testing.T) {
	clock := abtime.NewManual()
	core, logs := observer.New(zapcore.WarnLevel)
	f := &fakeFetcher{session: session("good")}
	c := New(f, time.Second, clock, zap.New(core))
	ctx := context.Background()

	require.Equal(t, "good", c.Read(ctx).IdentityKey)

	clock.Advance(2 * time.Second)
	f.set(nil, errors.New("network down"))
	s, ok := c.ReadOK(ctx)
	assert.False(t, ok)
	require.NotNil(t, s)
	assert.Equal(t, "good", s.IdentityKey, "last known good value is served")
	assert.Equal(t, 1, logs.FilterMessage("session read failed, serving fallback").Len())
}

func TestRead_FailSoftWithoutHistoryIsNil(t *testing.T) {
	f := &fakeFetcher{err: errors.New("network down")}
	c := New(f, time.Second, abtime.NewManual(), nil)
	s, ok := c.ReadOK(context.Background())
	assert.Nil(t, s)
	assert.False(t, ok)
}

func TestRead_FallbackNeverPredatesInvalidation(t *testing.T) {
	f := &fakeFetcher{session: session("stale")}
	c := New(f, time.Second, abtime.NewManual(), nil)
	ctx := context.Background()
	require.NotNil(t, c.Read(ctx))

	c.Invalidate()
	f.set(nil, errors.New("network down"))
	assert.Nil(t, c.Read(ctx))

	last, ok := c.LastKnown()
	assert.True(t, ok)
	assert.Equal(t, "stale", last.IdentityKey)
}

func TestReset_ForgetsLastKnown(t *testing.T) {
	f := &fakeFetcher{session: session("x")}
	c := New(f, time.Second, abtime.NewManual(), nil)
	require.NotNil(t, c.Read(context.Background()))

	c.Reset()
	_, ok := c.LastKnown()
	assert.False(t, ok)
}
