package anonymous

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/abtime"
)

func newTestLock(store storage.Store, clock abtime.AbstractTime) *Lock {
	l := NewLock(store, 5*time.Second, clock, nil)
	n := 0
	l.NewToken = func() string {
		n++
		return fmt.Sprintf("tok-%d", n)
	}
	return l
}

func TestLock_AcquireFree(t *testing.T) {
	store := storage.NewHub().Instance()
	l := newTestLock(store, abtime.NewManual())

	state, _ := l.State()
	assert.Equal(t, LockFree, state)

	token, ok, err := l.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)

	state, rec := l.State()
	assert.Equal(t, LockHeld, state)
	assert.Equal(t, "tok-1", rec.Token)
}

func TestLock_ContentionBetweenInstances(t *testing.T) {
	hub := storage.NewHub()
	clock := abtime.NewManual()
	a := newTestLock(hub.Instance(), clock)
	b := newTestLock(hub.Instance(), clock)

	_, ok, err := a.Acquire()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire()
	require.NoError(t, err)
	assert.False(t, ok, "live lock must not be taken")
}

func TestLock_StaleIsReclaimedRegardlessOfToken(t *testing.T) {
	hub := storage.NewHub()
	clock := abtime.NewManual()
	a := newTestLock(hub.Instance(), clock)
	b := newTestLock(hub.Instance(), clock)
	b.NewToken = func() string { return "b-token" }

	_, ok, _ := a.Acquire()
	require.True(t, ok)

	clock.Advance(4999 * time.Millisecond)
	state, _ := b.State()
	assert.Equal(t, LockHeld, state)

	clock.Advance(time.Millisecond)
	state, _ = b.State()
	assert.Equal(t, LockStale, state)

	token, ok, err := b.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b-token", token)
}

func TestLock_UnreadableRecordIsStale(t *testing.T) {
	store := storage.NewHub().Instance()
	require.NoError(t, store.Set(LockKey, "{not json"))
	l := newTestLock(store, abtime.NewManual())

	state, _ := l.State()
	assert.Equal(t, LockStale, state)
	_, ok, err := l.Acquire()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_FutureRecordIsStale(t *testing.T) {
	store := storage.NewHub().Instance()
	clock := abtime.NewManual()
	rec, _ := json.Marshal(LockRecord{AcquiredAt: clock.Now().Add(time.Hour), Token: "skewed"})
	require.NoError(t, store.Set(LockKey, string(rec)))

	state, _ := newTestLock(store, clock).State()
	assert.Equal(t, LockStale, state)
}

func TestLock_Release(t *testing.T) {
	store := storage.NewHub().Instance()
	l := newTestLock(store, abtime.NewManual())
	_, ok, _ := l.Acquire()
	require.True(t, ok)

	require.NoError(t, l.Release())
	state, _ := l.State()
	assert.Equal(t, LockFree, state)
	// releasing again is harmless
	assert.NoError(t, l.Release())
}

func TestLockState_String(t *testing.T) {
	assert.Equal(t, "free", LockFree.String())
	assert.Equal(t, "held", LockHeld.String())
	assert.Equal(t, "stale", LockStale.String())
	assert.Equal(t, "LockState(9)", LockState(9).String())
}
