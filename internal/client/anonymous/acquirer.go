package anonymous

import (
	"context"
	"fmt"
	"time"

	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/atinyakov/GophSession/internal/models"
	"github.com/thejerf/abtime"
	"go.uber.org/zap"
)

// Timer IDs passed to abtime so manual clocks can trigger each wait.
const (
	TimerGrace = iota + 1
	TimerContention
)

// Default waits.
const (
	DefaultGracePeriod     = 500 * time.Millisecond
	DefaultContentionDelay = time.Second
)

// Creator creates anonymous identities on the remote identity service.
type Creator interface {
	CreateAnonymousIdentity(ctx context.Context) (*models.Session, error)
}

// SessionReader is the subset of the session cache used here.
type SessionReader interface {
	Read(ctx context.Context) *models.Session
	Invalidate()
}

// Config tunes the acquirer's waits.
type Config struct {
	GracePeriod     time.Duration
	ContentionDelay time.Duration
}

// Acquirer finds the device's anonymous identity, adopts one created by a
// sibling instance, or creates a new one.
type Acquirer struct {
	store  storage.Store
	lock   *Lock
	cache  SessionReader
	remote Creator
	clock  abtime.AbstractTime
	cfg    Config
	log    *zap.Logger
}

// NewAcquirer wires an Acquirer.
func NewAcquirer(store storage.Store, lock *Lock, cache SessionReader, remote Creator, clock abtime.AbstractTime, cfg Config, log *zap.Logger) *Acquirer {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ContentionDelay <= 0 {
		cfg.ContentionDelay = DefaultContentionDelay
	}
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Acquirer{
		store:  store,
		lock:   lock,
		cache:  cache,
		remote: remote,
		clock:  clock,
		cfg:    cfg,
		log:    log.With(zap.String("component", "anonymous-acquirer")),
	}
}

// Acquire returns the session every instance should treat as current. It is
// usually anonymous, but a non-anonymous session observed on any re-read is
// returned as is: a real sign-in supersedes the anonymous identity.
func (a *Acquirer) Acquire(ctx context.Context) (*models.Session, error) {
	marker, hasMarker := a.store.Get(MarkerKey)

	if s := a.cache.Read(ctx); s != nil {
		return a.Adopt(s), nil
	}

	if hasMarker {
		// The marked session may still be propagating from the sibling that
		// created it.
		if s, err := a.reread(ctx, TimerGrace, a.cfg.GracePeriod); err != nil || s != nil {
			return s, err
		}
		a.log.Info("marked anonymous identity has no live session", zap.String("marker", marker))
	}

	_, ok, err := a.lock.Acquire()
	if err != nil {
		a.log.Warn("lock acquisition failed, treating as contention", zap.Error(err))
	}
	if ok {
		defer func() {
			if err := a.lock.Release(); err != nil {
				a.log.Error("failed to release lock", zap.Error(err))
			}
		}()
		return a.create(ctx)
	}

	if s, err := a.reread(ctx, TimerContention, a.cfg.ContentionDelay); err != nil || s != nil {
		return s, err
	}
	a.log.Info("sibling did not produce a session in time, creating anyway")
	return a.create(ctx)
}

// reread waits d, then reads the remote session afresh.
func (a *Acquirer) reread(ctx context.Context, timer int, d time.Duration) (*models.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.clock.After(d, timer):
	}
	a.cache.Invalidate()
	if s := a.cache.Read(ctx); s != nil {
		return a.Adopt(s), nil
	}
	return nil, nil
}

// create makes a new anonymous identity, records it, and then adopts
// whatever the remote service reports as current, which may be a sibling's
// identity if both created one.
func (a *Acquirer) create(ctx context.Context) (*models.Session, error) {
	created, err := a.remote.CreateAnonymousIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("create anonymous identity: %w", err)
	}
	if err := a.store.Set(MarkerKey, created.IdentityKey); err != nil {
		a.log.Error("failed to persist anonymous marker", zap.Error(err))
	}
	a.log.Info("created anonymous identity", zap.String("key", created.IdentityKey))

	a.cache.Invalidate()
	if cur := a.cache.Read(ctx); cur != nil {
		return a.Adopt(cur), nil
	}
	return created, nil
}

// Adopt aligns the marker with s and returns it. Non-anonymous sessions
// clear the marker.
func (a *Acquirer) Adopt(s *models.Session) *models.Session {
	if !s.Anonymous() {
		ClearMarker(a.store, a.log)
		return s
	}
	if marker, _ := a.store.Get(MarkerKey); marker != s.IdentityKey {
		if marker != "" {
			a.log.Info("adopting sibling anonymous identity",
				zap.String("marker", marker), zap.String("key", s.IdentityKey))
		}
		if err := a.store.Set(MarkerKey, s.IdentityKey); err != nil {
			a.log.Error("failed to persist anonymous marker", zap.Error(err))
		}
	}
	return s
}

// ClearMarker removes the anonymous marker, e.g. after a real sign-in.
func ClearMarker(store storage.Store, log *zap.Logger) {
	if _, ok := store.Get(MarkerKey); !ok {
		return
	}
	if err := store.Remove(MarkerKey); err != nil && log != nil {
		log.Error("failed to clear anonymous marker", zap.Error(err))
	}
}
