package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atinyakov/GophSession/internal/client/anonymous"
	"github.com/atinyakov/GophSession/internal/client/authstate"
	"github.com/atinyakov/GophSession/internal/client/remote"
	"github.com/atinyakov/GophSession/internal/client/sessioncache"
	"github.com/atinyakov/GophSession/internal/client/storage"
	"github.com/atinyakov/GophSession/internal/config"
	"go.uber.org/zap"
)

const (
	refreshInterval = 30 * time.Second
	refreshLead     = time.Minute
	httpTimeout     = 15 * time.Second
)

// app is one running coordinator instance.
type app struct {
	store   *storage.SQLiteStore
	machine *authstate.Machine
	cancel  context.CancelFunc
	done    chan struct{}
}

// startApp opens the shared store and runs a state machine until close.
// callbackURL, when set, is the URL the instance was started with.
func startApp(ctx context.Context, opts *config.ClientOptions, callbackURL string, out io.Writer, log *zap.Logger) (*app, error) {
	store, err := storage.OpenSQLite(opts.StorePath, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	store.Watch(ctx, opts.PollInterval.Std())

	nav := remote.NavigatorFunc(func(_ context.Context, u string) error {
		_, err := fmt.Fprintf(out, "Open this URL to continue:\n  %s\n", u)
		return err
	})
	rc := remote.New(opts.ServerURL, &http.Client{Timeout: httpTimeout}, store, nav, nil, log)
	rc.StartAutoRefresh(ctx, refreshInterval, refreshLead)

	t := opts.Timings
	cache := sessioncache.New(rc, t.CacheTTL.Std(), nil, log)
	lock := anonymous.NewLock(store, t.LockStaleAfter.Std(), nil, log)
	acq := anonymous.NewAcquirer(store, lock, cache, rc, nil, anonymous.Config{
		GracePeriod:     t.GracePeriod.Std(),
		ContentionDelay: t.ContentionDelay.Std(),
	}, log)

	m := authstate.New(rc, store, cache, acq, nil, authstate.Config{
		InitialRead:     t.InitialRead.Std(),
		AnonymousCreate: t.AnonymousCreate.Std(),
		RedirectResolve: t.RedirectResolve.Std(),
		InitCeiling:     t.InitCeiling.Std(),
		SessionKey:      remote.SessionKey,
		URL:             callbackURL,
		ReturnURL:       opts.ReturnURL,
	}, log)

	a := &app{store: store, machine: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		if err := m.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("auth state machine exited", zap.Error(err))
		}
	}()
	return a, nil
}

// resolved waits for the machine to leave its loading states.
func (a *app) resolved(ctx context.Context) (authstate.Snapshot, error) {
	return a.machine.WaitResolved(ctx)
}

func (a *app) close() {
	a.cancel()
	<-a.done
	_ = a.store.Close()
}
