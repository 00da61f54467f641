// Package anonymous establishes the single anonymous identity shared by every
// client instance on a device before any real sign-in happens.
package anonymous

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"go.uber.org/zap"
)

// Store keys shared by all instances.
const (
	// MarkerKey holds the anonymous identity key once one is established.
	MarkerKey = "anon.marker"
	// LockKey holds the LockRecord of the instance creating an identity.
	LockKey = "anon.lock"
)

// DefaultStaleAfter is the age after which a held lock is presumed abandoned.
const DefaultStaleAfter = 5 * time.Second

// LockState is the state of the lock as seen by one instance.
type LockState int

const (
	// LockFree means no record exists.
	LockFree LockState = iota
	// LockHeld means a live record exists.
	LockHeld
	// LockStale means the record is older than the staleness threshold (or
	// unreadable) and may be reclaimed.
	LockStale
)

func (s LockState) String() string {
	switch s {
	case LockFree:
		return "free"
	case LockHeld:
		return "held"
	case LockStale:
		return "stale"
	default:
		return fmt.Sprintf("LockState(%d)", int(s))
	}
}

// LockRecord is the persisted lock value.
type LockRecord struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Token      string    `json:"token"`
}

// Lock is an optimistic cross-instance mutex over the shared store. The
// store has no compare-and-swap, so two instances may both acquire it in a
// narrow window; callers must tolerate that.
type Lock struct {
	store      storage.Store
	staleAfter time.Duration
	clock      abtime.AbstractTime
	log        *zap.Logger

	// NewToken generates holder tokens. Replaced in tests.
	NewToken func() string
}

// NewLock returns a lock stored under LockKey.
func NewLock(store storage.Store, staleAfter time.Duration, clock abtime.AbstractTime, log *zap.Logger) *Lock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Lock{
		store:      store,
		staleAfter: staleAfter,
		clock:      clock,
		log:        log.With(zap.String("component", "anonymous-lock")),
		NewToken:   uuid.NewString,
	}
}

// State reads the current record and classifies it.
func (l *Lock) State() (LockState, *LockRecord) {
	raw, ok := l.store.Get(LockKey)
	if !ok {
		return LockFree, nil
	}

	var rec LockRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.AcquiredAt.IsZero() {
		return LockStale, nil
	}

	age := l.clock.Now().Sub(rec.AcquiredAt)
	// A record from far in the future comes from a skewed clock and would
	// otherwise never go stale.
	if age >= l.staleAfter || age <= -l.staleAfter {
		return LockStale, &rec
	}
	return LockHeld, &rec
}

// Acquire takes the lock if it is free or stale and returns the new holder
// token. ok is false when a live sibling holds it.
func (l *Lock) Acquire() (token string, ok bool, err error) {
	state, rec := l.State()
	if state == LockHeld {
		l.log.Debug("lock held by sibling", zap.String("holder", rec.Token))
		return "", false, nil
	}
	if state == LockStale {
		fields := []zap.Field{}
		if rec != nil {
			fields = append(fields, zap.String("holder", rec.Token), zap.Time("acquired_at", rec.AcquiredAt))
		}
		l.log.Info("reclaiming stale lock", fields...)
	}

	rec = &LockRecord{AcquiredAt: l.clock.Now(), Token: l.NewToken()}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("encode lock record: %w", err)
	}
	if err := l.store.Set(LockKey, string(b)); err != nil {
		return "", false, fmt.Errorf("write lock record: %w", err)
	}
	return rec.Token, true, nil
}

// Release removes the record unconditionally.
func (l *Lock) Release() error {
	if err := l.store.Remove(LockKey); err != nil {
		return fmt.Errorf("remove lock record: %w", err)
	}
	return nil
}
