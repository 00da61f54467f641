package anonymous

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atinyakov/GophSession/internal/client/sessioncache"
	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/atinyakov/GophSession/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/abtime"
)

const (
	testGrace      = 60 * time.Millisecond
	testContention = 60 * time.Millisecond
)

type instance struct {
	store    storage.Store
	client   *testutil.Client
	cache    *sessioncache.Cache
	lock     *Lock
	acquirer *Acquirer
}

func newInstance(hub *storage.Hub, srv *testutil.IdentityServer) *instance {
	clock := abtime.NewRealTime()
	store := hub.Instance()
	client := srv.Client(store)
	cache := sessioncache.New(client, time.Second, clock, nil)
	lock := NewLock(store, 5*time.Second, clock, nil)
	return &instance{
		store:  store,
		client: client,
		cache:  cache,
		lock:   lock,
		acquirer: NewAcquirer(store, lock, cache, client, clock,
			Config{GracePeriod: testGrace, ContentionDelay: testContention}, nil),
	}
}

func TestAcquire_CreatesWhenNothingExists(t *testing.T) {
	srv := testutil.NewIdentityServer()
	in := newInstance(storage.NewHub(), srv)

	s, err := in.acquirer.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.Anonymous())
	assert.EqualValues(t, 1, srv.AnonymousCreated.Load())

	marker, ok := in.store.Get(MarkerKey)
	assert.True(t, ok)
	assert.Equal(t, s.IdentityKey, marker)

	state, _ := in.lock.State()
	assert.Equal(t, LockFree, state, "lock is released after creation")
}

func TestAcquire_ReusesMarkedSession(t *testing.T) {
	srv := testutil.NewIdentityServer()
	hub := storage.NewHub()
	first := newInstance(hub, srv)
	s1, err := first.acquirer.Acquire(context.Background())
	require.NoError(t, err)

	second := newInstance(hub, srv)
	s2, err := second.acquirer.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s1.IdentityKey, s2.IdentityKey)
	assert.EqualValues(t, 1, srv.AnonymousCreated.Load())
}

func TestAcquire_GracePeriodAdoptsPropagatingSession(t *testing.T) {
	srv := testutil.NewIdentityServer()
	hub := storage.NewHub()
	in := newInstance(hub, srv)
	require.NoError(t, in.store.Set(MarkerKey, "anonymous-old"))

	sibling := srv.Client(hub.Instance())
	go func() {
		time.Sleep(testGrace / 4)
		_, _ = sibling.CreateAnonymousIdentity(context.Background())
	}()

	s, err := in.acquirer.Acquire(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.AnonymousCreated.Load(), "no second identity is created")

	marker, _ := in.store.Get(MarkerKey)
	assert.Equal(t, s.IdentityKey, marker)
}

func TestAcquire_StaleMarkerIsReplaced(t *testing.T) {
	srv := testutil.NewIdentityServer()
	in := newInstance(storage.NewHub(), srv)
	require.NoError(t, in.store.Set(MarkerKey, "anonymous-gone"))

	start := time.Now()
	s, err := in.acquirer.Acquire(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), testGrace)
	assert.NotEqual(t, "anonymous-gone", s.IdentityKey)

	marker, _ := in.store.Get(MarkerKey)
	assert.Equal(t, s.IdentityKey, marker)
}

func TestAcquire_ContentionAdoptsSiblingSession(t *testing.T) {
	srv := testutil.NewIdentityServer()
	hub := storage.NewHub()
	holder := newInstance(hub, srv)
	_, ok, err := holder.lock.Acquire()
	require.NoError(t, err)
	require.True(t, ok)

	in := newInstance(hub, srv)
	var siblingKey string
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(testContention / 4)
		s, _ := holder.client.CreateAnonymousIdentity(context.Background())
		siblingKey = s.IdentityKey
	}()

	s, err := in.acquirer.Acquire(context.Background())
	require.NoError(t, err)
	<-done
	assert.Equal(t, siblingKey, s.IdentityKey)
	assert.EqualValues(t, 1, srv.AnonymousCreated.Load())
}

func TestAcquire_ContentionNeverBlocksIndefinitely(t *testing.T) {
	srv := testutil.NewIdentityServer()
	hub := storage.NewHub()
	holder := newInstance(hub, srv)
	_, ok, _ := holder.lock.Acquire()
	require.True(t, ok)

	in := newInstance(hub, srv)
	s, err := in.acquirer.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.EqualValues(t, 1, srv.AnonymousCreated.Load())

	state, _ := in.lock.State()
	assert.Equal(t, LockHeld, state, "the sibling's lock is not ours to release")
}

func TestAcquire_CreateFailureReleasesLock(t *testing.T) {
	srv := testutil.NewIdentityServer()
	in := newInstance(storage.NewHub(), srv)
	in.client.CreateHook = func(context.Context) error { return errors.New("service unavailable") }

	_, err := in.acquirer.Acquire(context.Background())
	assert.ErrorContains(t, err, "create anonymous identity")

	state, _ := in.lock.State()
	assert.Equal(t, LockFree, state)
	_, ok := in.store.Get(MarkerKey)
	assert.False(t, ok)
}

func TestAcquire_AuthenticatedSessionClearsMarker(t *testing.T) {
	srv := testutil.NewIdentityServer()
	in := newInstance(storage.NewHub(), srv)
	require.NoError(t, in.store.Set(MarkerKey, "anonymous-1"))
	in.client.SignInAs("alice")

	s, err := in.acquirer.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Anonymous())
	_, ok := in.store.Get(MarkerKey)
	assert.False(t, ok)
	assert.Zero(t, srv.AnonymousCreated.Load())
}

func TestAcquire_ContextCancelledDuringGrace(t *testing.T) {
	srv := testutil.NewIdentityServer()
	in := newInstance(storage.NewHub(), srv)
	require.NoError(t, in.store.Set(MarkerKey, "anonymous-gone"))

	ctx, cancel := context.WithTimeout(context.Background(), testGrace/4)
	defer cancel()
	_, err := in.acquirer.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, srv.AnonymousCreated.Load())
}
