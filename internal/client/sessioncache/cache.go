// Package sessioncache memoizes "fetch the current session" for a short TTL
// and coalesces concurrent reads into one remote call.
package sessioncache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/atinyakov/GophSession/internal/models"
	"github.com/thejerf/abtime"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the production read TTL.
const DefaultTTL = time.Second

// FetchTimeout bounds a shared fetch. It outlives any single caller, whose
// own context only limits how long that caller waits.
const FetchTimeout = 10 * time.Second

// Fetcher reads the current session from the remote identity service. A nil
// session with a nil error means "no session".
type Fetcher interface {
	CurrentSession(ctx context.Context) (*models.Session, error)
}

type entry struct {
	session   *models.Session
	fetchedAt time.Time
}

// Cache is a fail-soft, TTL-memoized session reader. It never returns
// errors: session absence is a valid state, and a failed fetch falls back to
// the last value read since the most recent invalidation.
type Cache struct {
	fetch        Fetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	clock        abtime.AbstractTime
	log          *zap.Logger

	mu sync.Mutex
	// gen is bumped by Invalidate; entries and fallbacks from older
	// generations are never served by Read.
	gen      uint64
	entry    *entry
	lastGood *entry
	lastGen  uint64
	group    singleflight.Group
}

// New returns a cache over f. A zero ttl means DefaultTTL; a nil clock means
// real time.
func New(f Fetcher, ttl time.Duration, clock abtime.AbstractTime, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		fetch:        f,
		ttl:          ttl,
		fetchTimeout: FetchTimeout,
		clock:        clock,
		log:          log.With(zap.String("component", "session-cache")),
	}
}

// Read returns the current session, or nil.
func (c *Cache) Read(ctx context.Context) *models.Session {
	s, _ := c.ReadOK(ctx)
	return s
}

// ReadOK is Read that also reports whether the value reflects a successful
// fetch (fresh cache hit or remote answer) rather than a fallback.
func (c *Cache) ReadOK(ctx context.Context) (*models.Session, bool) {
	c.mu.Lock()
	if e := c.entry; e != nil && c.clock.Now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.session, true
	}
	gen := c.gen
	c.mu.Unlock()

	type result struct {
		session *models.Session
		ok      bool
	}
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		s, ok := c.load(fctx, gen)
		return result{s, ok}, nil
	})
	select {
	case res := <-ch:
		r := res.Val.(result)
		return r.session, r.ok
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.fallback(gen), false
	}
}

// fallback is the last good value of generation gen. c.mu must be held.
func (c *Cache) fallback(gen uint64) *models.Session {
	if c.lastGood != nil && c.lastGen == gen {
		return c.lastGood.session
	}
	return nil
}

func (c *Cache) load(ctx context.Context, gen uint64) (*models.Session, bool) {
	started := c.clock.Now()
	s, err := c.fetch.CurrentSession(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		fallback := c.fallback(gen)
		c.log.Warn("session read failed, serving fallback",
			zap.Error(err),
			zap.Bool("has_fallback", fallback != nil),
		)
		return fallback, false
	}

	// A fetch that straddles an invalidation is handed to the callers that
	// started it but is not cached for later readers.
	if gen == c.gen {
		e := &entry{session: s, fetchedAt: started}
		c.entry = e
		c.lastGood = e
		c.lastGen = gen
	}
	return s, true
}

// Invalidate forces the next Read to go to the remote service. A fetch in
// flight when Invalidate is called is never returned to later reads.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.entry = nil
	c.mu.Unlock()
}

// Reset invalidates and forgets the last known good value.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.gen++
	c.entry = nil
	c.lastGood = nil
	c.mu.Unlock()
}

// LastKnown returns the most recent successfully read session regardless of
// age or invalidation, for best-effort degraded resolution. Reset clears it.
func (c *Cache) LastKnown() (*models.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastGood == nil {
		return nil, false
	}
	return c.lastGood.session, true
}
