package config

import (
	"os"
	"time"
)

// Timings holds every delay and bound used by the client coordinator.
type Timings struct {
	// CacheTTL is how long a session read is reused.
	CacheTTL Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// LockStaleAfter is the age after which an anonymous-creation lock is
	// considered abandoned.
	LockStaleAfter Duration `json:"lock_stale_after" yaml:"lock_stale_after"`
	// GracePeriod is the wait before concluding a marked anonymous session
	// is really gone.
	GracePeriod Duration `json:"grace_period" yaml:"grace_period"`
	// ContentionDelay is the wait after losing the lock to a sibling.
	ContentionDelay Duration `json:"contention_delay" yaml:"contention_delay"`
	// InitialRead bounds the first session read.
	InitialRead Duration `json:"initial_read" yaml:"initial_read"`
	// AnonymousCreate bounds anonymous identity acquisition.
	AnonymousCreate Duration `json:"anonymous_create" yaml:"anonymous_create"`
	// RedirectResolve bounds the wait for a callback to produce a session.
	RedirectResolve Duration `json:"redirect_resolve" yaml:"redirect_resolve"`
	// InitCeiling is the absolute limit on the initializing state.
	InitCeiling Duration `json:"init_ceiling" yaml:"init_ceiling"`
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		CacheTTL:        Duration(time.Second),
		LockStaleAfter:  Duration(5 * time.Second),
		GracePeriod:     Duration(500 * time.Millisecond),
		ContentionDelay: Duration(time.Second),
		InitialRead:     Duration(3 * time.Second),
		AnonymousCreate: Duration(5 * time.Second),
		RedirectResolve: Duration(5 * time.Second),
		InitCeiling:     Duration(10 * time.Second),
	}
}

// withDefaults fills zero fields from DefaultTimings.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	fill := func(v *Duration, def Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.CacheTTL, d.CacheTTL)
	fill(&t.LockStaleAfter, d.LockStaleAfter)
	fill(&t.GracePeriod, d.GracePeriod)
	fill(&t.ContentionDelay, d.ContentionDelay)
	fill(&t.InitialRead, d.InitialRead)
	fill(&t.AnonymousCreate, d.AnonymousCreate)
	fill(&t.RedirectResolve, d.RedirectResolve)
	fill(&t.InitCeiling, d.InitCeiling)
	return t
}

// ClientOptions holds the configuration of one client instance.
type ClientOptions struct {
	// ServerURL is the identity service base URL.
	ServerURL string `json:"server_url" yaml:"server_url"`
	// StorePath is the SQLite file shared by all instances on the device.
	StorePath string `json:"store_path" yaml:"store_path"`
	// ReturnURL is where providers send the user back after sign-in.
	ReturnURL string `json:"return_url" yaml:"return_url"`
	// PollInterval is how often the shared store is checked for sibling writes.
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
	// LogLevel is passed to the zap logger.
	LogLevel string `json:"log_level" yaml:"log_level"`
	// Timings tunes the coordinator.
	Timings Timings `json:"timings" yaml:"timings"`
}

// DefaultClient returns client options with production defaults.
func DefaultClient() *ClientOptions {
	return &ClientOptions{
		ServerURL:    "http://localhost:8080",
		StorePath:    "gophsession.db",
		ReturnURL:    "http://localhost/callback",
		PollInterval: Duration(250 * time.Millisecond),
		LogLevel:     "warn",
		Timings:      DefaultTimings(),
	}
}

// LoadClient reads client options from path on top of the defaults. A
// missing file is not an error. The CLIENT_CONFIG environment variable, when
// set, replaces path; GOPHSESSION_SERVER overrides the server URL.
func LoadClient(path string) (*ClientOptions, error) {
	opts := DefaultClient()

	if p := os.Getenv("CLIENT_CONFIG"); p != "" {
		path = p
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadFile(path, opts); err != nil {
				return nil, err
			}
		}
	}
	if u := os.Getenv("GOPHSESSION_SERVER"); u != "" {
		opts.ServerURL = u
	}

	opts.Timings = opts.Timings.withDefaults()
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultClient().PollInterval
	}
	return opts, nil
}
