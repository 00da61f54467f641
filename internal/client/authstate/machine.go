package authstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atinyakov/GophSession/internal/client/anonymous"
	"github.com/atinyakov/GophSession/internal/client/redirect"
	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/atinyakov/GophSession/internal/client/supervisor"
	"github.com/atinyakov/GophSession/internal/models"
	"github.com/thejerf/abtime"
	"go.uber.org/zap"
)

// Machine is the auth state machine of one client instance. All state
// transitions happen on the goroutine running Run; everything else talks to
// it through the event queue.
type Machine struct {
	remote   IdentityService
	store    storage.Store
	cache    SessionCache
	acquirer Acquirer
	clock    abtime.AbstractTime
	cfg      Config
	log      *zap.Logger

	queue   *eventQueue
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	ctx              context.Context
	state            State
	identity         *models.ResolvedIdentity
	lastError        string
	epoch            uint64
	callback         *redirect.Callback
	awaitingRedirect bool
	reconcilePending bool
	signingOut       bool

	mu      sync.Mutex
	snap    Snapshot
	changed chan struct{}
	subs    map[int]chan Snapshot
	nextSub int
	stopped bool
}

// New wires a Machine. It does nothing until Run is called.
func New(remote IdentityService, store storage.Store, cache SessionCache, acquirer Acquirer, clock abtime.AbstractTime, cfg Config, log *zap.Logger) *Machine {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Machine{
		remote:   remote,
		store:    store,
		cache:    cache,
		acquirer: acquirer,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		log:      log.With(zap.String("component", "auth-state")),
		queue:    newEventQueue(),
		done:     make(chan struct{}),
		changed:  make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
		snap:     Snapshot{State: Uninitialized, Loading: true},
	}
	if cb := redirect.Parse(m.cfg.URL); cb.InProgress() {
		m.callback = &cb
	}
	return m
}

// Run processes events until ctx is cancelled. It may be called once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("auth state machine already running")
	}
	m.ctx = ctx

	unsubscribe := m.remote.OnSessionChanged(func(ev models.SessionEvent) {
		m.queue.enqueue(sessionChangedEvent{ev: ev})
	})
	var cancelWatch func()
	if m.cfg.SessionKey != "" {
		cancelWatch = m.store.OnExternalChange(m.cfg.SessionKey, func(c storage.Change) {
			m.queue.enqueue(storageEvent{change: c})
		})
	}
	defer func() {
		unsubscribe()
		if cancelWatch != nil {
			cancelWatch()
		}
		m.stop()
	}()

	m.queue.enqueue(startEvent{})
	for {
		if ev, ok := m.queue.tryDequeue(); ok {
			m.handle(ev)
			continue
		}
		select {
		case <-ctx.Done():
			m.log.Info("auth state machine stopping", zap.Stringer("state", m.state))
			return ctx.Err()
		case <-m.queue.wait():
		}
	}
}

func (m *Machine) stop() {
	m.queue.close()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	close(m.changed)
	close(m.done)
}

// handle is only called from Run.
func (m *Machine) handle(ev event) {
	switch e := ev.(type) {
	case startEvent:
		m.beginPass("startup")
	case sessionReadEvent:
		m.onSessionRead(e)
	case anonymousEvent:
		m.onAnonymous(e)
	case callbackEvent:
		m.onCallback(e)
	case timeoutEvent:
		m.onTimeout(e)
	case sessionChangedEvent:
		m.onSessionChanged(e.ev)
	case storageEvent:
		m.onStorage(e.change)
	case reconcileEvent:
		m.onReconcile(e)
	case actionEvent:
		m.onAction(e)
	case actionDoneEvent:
		m.onActionDone(e)
	default:
		m.log.Error("unknown event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// beginPass starts a new resolution pass. Results of earlier passes are
// dropped by epoch.
func (m *Machine) beginPass(reason string) {
	m.epoch++
	m.awaitingRedirect = false
	m.reconcilePending = false
	m.lastError = ""
	m.identity = nil
	m.log.Info("resolving identity", zap.String("reason", reason), zap.Uint64("epoch", m.epoch))
	m.setState(Initializing)

	epoch := m.epoch
	m.schedule(m.cfg.InitCeiling, timerCeiling, epoch)

	if cb := m.callback; cb != nil {
		m.callback = nil
		m.beginRedirectPass(epoch, *cb)
		return
	}
	m.readSession(epoch, readInitial)
}

func (m *Machine) beginRedirectPass(epoch uint64, cb redirect.Callback) {
	m.awaitingRedirect = true
	m.log.Info("sign-in callback detected, anonymous identity creation suppressed")

	if err := cb.Err(); err != nil {
		m.log.Warn("provider returned an error", zap.Error(err))
		m.lastError = err.Error()
		m.readSession(epoch, readRedirectFallback)
		return
	}

	m.schedule(m.cfg.RedirectResolve, timerRedirect, epoch)
	switch {
	case cb.Code != "":
		m.exchange(epoch, func(ctx context.Context) (*models.Session, error) {
			return m.remote.ExchangeCallback(ctx, cb.Code)
		})
	case cb.HasTokens():
		if a, ok := m.remote.(TokenAdopter); ok {
			m.exchange(epoch, func(ctx context.Context) (*models.Session, error) {
				return a.AdoptTokens(ctx, cb.AccessToken, cb.RefreshToken)
			})
			return
		}
		m.readSession(epoch, readRedirect)
	default:
		m.readSession(epoch, readRedirect)
	}
}

type readResult struct {
	session *models.Session
	ok      bool
}

func (m *Machine) boundedRead() (*models.Session, bool, error) {
	r, err := supervisor.Bound(m.ctx, m.clock, int(timerInitialRead), m.cfg.InitialRead, func(ctx context.Context) (readResult, error) {
		s, ok := m.cache.ReadOK(ctx)
		return readResult{s, ok}, nil
	})
	return r.session, r.ok && err == nil, err
}

func (m *Machine) readSession(epoch uint64, purpose readPurpose) {
	go func() {
		s, ok, err := m.boundedRead()
		m.queue.enqueue(sessionReadEvent{epoch: epoch, purpose: purpose, session: s, ok: ok, err: err})
	}()
}

func (m *Machine) acquire(epoch uint64) {
	go func() {
		s, err := supervisor.Bound(m.ctx, m.clock, int(timerAnonymousCreate), m.cfg.AnonymousCreate, m.acquirer.Acquire)
		m.queue.enqueue(anonymousEvent{epoch: epoch, session: s, err: err})
	}()
}

func (m *Machine) exchange(epoch uint64, fn func(context.Context) (*models.Session, error)) {
	go func() {
		s, err := supervisor.Bound(m.ctx, m.clock, int(timerRedirectResolve), m.cfg.RedirectResolve, fn)
		m.queue.enqueue(callbackEvent{epoch: epoch, session: s, err: err})
	}()
}

func (m *Machine) schedule(d time.Duration, timer timerKind, epoch uint64) {
	after := m.clock.After(d, int(timer))
	go func() {
		select {
		case <-after:
			m.queue.enqueue(timeoutEvent{epoch: epoch, timer: timer})
		case <-m.done:
		}
	}()
}

// current reports whether a result from epoch still matters to the pass in
// progress.
func (m *Machine) current(epoch uint64) bool {
	return epoch == m.epoch && m.state == Initializing
}

func (m *Machine) onSessionRead(e sessionReadEvent) {
	if !m.current(e.epoch) {
		return
	}
	switch e.purpose {
	case readInitial:
		if errors.Is(e.err, supervisor.ErrTimeout) {
			supervisor.Degraded(m.log, "initial session read", m.cfg.InitialRead, "last known session")
			m.degrade("initial session read", e.err)
			return
		}
		if e.session != nil && !e.session.Anonymous() {
			m.resolve(e.session)
			return
		}
		if !e.ok {
			m.log.Warn("initial session read failed, falling back to anonymous identity", zap.Error(e.err))
		}
		m.acquire(e.epoch)
	case readRedirect:
		if e.session != nil && !e.session.Anonymous() {
			m.resolve(e.session)
		}
		// Otherwise keep waiting for the remote sign-in event.
	case readRedirectFallback:
		if e.err != nil {
			m.degrade("post-redirect session read", e.err)
			return
		}
		m.resolve(e.session)
	}
}

func (m *Machine) onAnonymous(e anonymousEvent) {
	if !m.current(e.epoch) {
		return
	}
	if e.err != nil {
		if errors.Is(e.err, supervisor.ErrTimeout) {
			supervisor.Degraded(m.log, "anonymous identity", m.cfg.AnonymousCreate, "last known session")
		} else {
			m.log.Error("anonymous identity unavailable", zap.Error(e.err))
		}
		m.degrade("anonymous identity", e.err)
		return
	}
	m.resolve(e.session)
}

func (m *Machine) onCallback(e callbackEvent) {
	if !m.current(e.epoch) || !m.awaitingRedirect {
		return
	}
	if e.err != nil {
		m.log.Warn("sign-in callback failed", zap.Error(e.err))
		m.lastError = fmt.Sprintf("sign-in callback: %v", e.err)
		m.readSession(e.epoch, readRedirectFallback)
		return
	}
	// The exchange result is local; wait for a fresh read to confirm it.
	m.cache.Invalidate()
	m.readSession(e.epoch, readRedirect)
}

func (m *Machine) onTimeout(e timeoutEvent) {
	if !m.current(e.epoch) {
		return
	}
	switch e.timer {
	case timerRedirect:
		if !m.awaitingRedirect {
			return
		}
		supervisor.Degraded(m.log, "post-redirect resolution", m.cfg.RedirectResolve, "last known session")
		m.degrade("post-redirect resolution", supervisor.ErrTimeout)
	case timerCeiling:
		supervisor.Degraded(m.log, "initialization", m.cfg.InitCeiling, "last known session")
		m.degrade("initialization", supervisor.ErrTimeout)
	}
}

// degrade resolves to the last session read successfully, or to a nil
// identity.
func (m *Machine) degrade(step string, err error) {
	s, _ := m.cache.LastKnown()
	if m.lastError == "" {
		m.lastError = fmt.Sprintf("%s: %v", step, err)
	}
	m.resolve(s)
}

func (m *Machine) resolve(s *models.Session) {
	m.awaitingRedirect = false
	if s != nil {
		s = m.acquirer.Adopt(s)
	}

	next := Error
	switch {
	case s == nil:
	case s.Anonymous():
		next = ResolvedAnonymous
	default:
		next = ResolvedAuthenticated
	}
	m.identity = models.Resolve(s)
	m.setState(next)

	if m.reconcilePending {
		m.reconcilePending = false
		m.reconcile(nil)
	}
}

// apply moves a settled machine to s. A nil session starts a new pass;
// an unchanged identity is not republished.
func (m *Machine) apply(s *models.Session) {
	if s == nil {
		if m.state == Error {
			return
		}
		m.cache.Invalidate()
		m.beginPass("session ended")
		return
	}
	if m.identity != nil && *models.Resolve(s) == *m.identity {
		return
	}
	m.resolve(s)
}

func (m *Machine) onSessionChanged(ev models.SessionEvent) {
	if m.state == Uninitialized {
		return
	}
	if m.state == Initializing {
		// Our own anonymous creation also lands here; the pass resolves it.
		if m.awaitingRedirect && ev.Kind == models.SessionSignedIn && ev.Session != nil && !ev.Session.Anonymous() {
			m.cache.Invalidate()
			m.resolve(ev.Session)
		}
		return
	}

	switch ev.Kind {
	case models.SessionSignedOut:
		if m.signingOut {
			return
		}
		m.log.Info("remote session ended")
		m.cache.Invalidate()
		m.beginPass("remote sign-out")
	default:
		if ev.Session == nil {
			m.reconcile(nil)
			return
		}
		m.cache.Invalidate()
		m.apply(ev.Session)
	}
}

func (m *Machine) onStorage(c storage.Change) {
	m.log.Debug("session key changed by another instance", zap.Bool("deleted", c.Deleted))
	switch m.state {
	case Uninitialized:
	case Initializing:
		m.reconcilePending = true
	default:
		m.reconcile(nil)
	}
}

// reconcile re-reads the session after a change made elsewhere. reply, when
// set, receives the outcome.
func (m *Machine) reconcile(reply chan error) {
	m.cache.Invalidate()
	epoch := m.epoch
	go func() {
		s, ok, err := m.boundedRead()
		m.queue.enqueue(reconcileEvent{epoch: epoch, session: s, ok: ok, err: err, reply: reply})
	}()
}

func (m *Machine) onReconcile(e reconcileEvent) {
	respond := func(err error) {
		if e.reply != nil {
			e.reply <- err
		}
	}
	if e.epoch != m.epoch || m.state.Loading() {
		// A newer pass owns the outcome.
		respond(nil)
		return
	}
	if !e.ok {
		m.log.Warn("reconciliation read failed, keeping current identity", zap.Error(e.err))
		if e.err != nil {
			respond(fmt.Errorf("%w: %w", ErrSessionUnavailable, e.err))
		} else {
			respond(ErrSessionUnavailable)
		}
		return
	}
	if e.reply != nil && e.session != nil {
		m.resolve(e.session)
	} else {
		m.apply(e.session)
	}
	respond(nil)
}

func (m *Machine) onAction(a actionEvent) {
	if m.state.Loading() {
		a.reply <- ErrNotResolved
		return
	}
	switch a.kind {
	case actionOAuth, actionSSO:
		prev := m.state
		m.lastError = ""
		m.setState(SigningIn)
		go func() {
			var err error
			if a.kind == actionOAuth {
				err = m.remote.BeginOAuthRedirect(a.ctx, a.arg, m.cfg.ReturnURL)
			} else {
				err = m.remote.BeginSSORedirect(a.ctx, a.arg, m.cfg.ReturnURL)
			}
			m.queue.enqueue(actionDoneEvent{action: a, prev: prev, err: err})
		}()
	case actionSignOut:
		if m.signingOut {
			a.reply <- ErrBusy
			return
		}
		m.signingOut = true
		go func() {
			err := m.remote.SignOut(a.ctx)
			m.queue.enqueue(actionDoneEvent{action: a, err: err})
		}()
	case actionRefresh:
		m.reconcile(a.reply)
	}
}

func (m *Machine) onActionDone(e actionDoneEvent) {
	a := e.action
	switch a.kind {
	case actionOAuth, actionSSO:
		if e.err != nil {
			m.log.Error("sign-in handoff failed", zap.Error(e.err))
			m.lastError = fmt.Sprintf("sign in: %v", e.err)
			if m.state == SigningIn {
				m.setState(e.prev)
			} else {
				m.publish()
			}
			a.reply <- fmt.Errorf("sign in: %w", e.err)
			return
		}
		a.reply <- nil
	case actionSignOut:
		m.signingOut = false
		if e.err != nil {
			m.log.Error("sign-out failed", zap.Error(e.err))
			m.lastError = fmt.Sprintf("sign out: %v", e.err)
			m.publish()
			a.reply <- fmt.Errorf("sign out: %w", e.err)
			return
		}
		anonymous.ClearMarker(m.store, m.log)
		m.cache.Reset()
		if err := storage.ClearPrefix(m.store, UserDataPrefix); err != nil {
			m.log.Error("failed to clear per-identity data", zap.Error(err))
		}
		m.log.Info("signed out")
		m.beginPass("sign-out")
		a.reply <- nil
	}
}

func (m *Machine) setState(next State) {
	if next != m.state {
		m.log.Debug("state transition", zap.Stringer("from", m.state), zap.Stringer("to", next))
	}
	m.state = next
	m.publish()
}

func (m *Machine) publish() {
	snap := Snapshot{
		State:     m.state,
		Identity:  m.identity,
		Loading:   m.state.Loading(),
		LastError: m.lastError,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	close(m.changed)
	m.changed = make(chan struct{})
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale value; subscribers only need the latest.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
