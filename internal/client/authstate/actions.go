package authstate

import "context"

// Snapshot returns the current published state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe returns a channel carrying the latest snapshot, starting with
// the current one. Slow readers miss intermediate snapshots, never the
// latest. The channel is closed by cancel or when the machine stops.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	ch <- m.snap
	if m.stopped {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// WaitResolved blocks until loading has finished.
func (m *Machine) WaitResolved(ctx context.Context) (Snapshot, error) {
	for {
		m.mu.Lock()
		snap, changed, stopped := m.snap, m.changed, m.stopped
		m.mu.Unlock()

		if !snap.Loading {
			return snap, nil
		}
		if stopped {
			return snap, ErrStopped
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

// SignInWithOAuth hands the user to an OAuth provider. On success the
// machine stays in SigningIn; the sign-in completes on the callback.
func (m *Machine) SignInWithOAuth(ctx context.Context, provider string) error {
	return m.do(ctx, actionOAuth, provider)
}

// SignInWithSSO hands the user to the SSO provider for domain.
func (m *Machine) SignInWithSSO(ctx context.Context, domain string) error {
	return m.do(ctx, actionSSO, domain)
}

// SignOut ends the remote session, forgets per-identity local data and
// resolves a fresh anonymous identity. On failure the state is unchanged.
func (m *Machine) SignOut(ctx context.Context) error {
	return m.do(ctx, actionSignOut, "")
}

// RefreshProfile re-reads the session and replaces the identity.
func (m *Machine) RefreshProfile(ctx context.Context) error {
	return m.do(ctx, actionRefresh, "")
}

func (m *Machine) do(ctx context.Context, kind actionKind, arg string) error {
	a := actionEvent{kind: kind, arg: arg, ctx: ctx, reply: make(chan error, 1)}
	if !m.queue.enqueue(a) {
		return ErrStopped
	}
	select {
	case err := <-a.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}
