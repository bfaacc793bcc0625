// Package lock provides named mutual exclusion over task-external resources
// using marker files in a shared directory. Markers that outlive their
// staleness horizon are treated as abandoned and may be reclaimed, which
// protects against crashed holders.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	otelpkg "github.com/basket/taskflow/internal/otel"
)

const (
	DefaultStale      = 15 * time.Second
	DefaultAttempts   = 5
	DefaultFactor     = 1.2
	DefaultMinTimeout = 200 * time.Millisecond
	DefaultMaxTimeout = 2 * time.Second
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	Dir        string
	Stale      time.Duration
	Attempts   int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
	// DisableRefresh stops held markers from being touched every Stale/2.
	DisableRefresh bool

	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
}

func (o Options) withDefaults() Options {
	if o.Stale <= 0 {
		o.Stale = DefaultStale
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Factor < 1 {
		o.Factor = DefaultFactor
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = DefaultMinTimeout
	}
	if o.MaxTimeout < o.MinTimeout {
		o.MaxTimeout = max(DefaultMaxTimeout, o.MinTimeout)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type held struct {
	resource string
	token    string
	stop     chan struct{}
	done     chan struct{}
}

// Manager acquires and releases resource locks on behalf of one process.
// It is safe for concurrent use; two goroutines locking the same resource
// serialize through the marker file exactly as two processes would.
type Manager struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	held map[string]*held
}

// NewManager creates the marker directory (if needed) and returns a manager.
func NewManager(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return nil, errors.New("lock: marker directory is required")
	}
	if err := EnsureDir(opts.Dir); err != nil {
		return nil, err
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.With("component", "lock"),
		now:    time.Now,
		held:   make(map[string]*held),
	}, nil
}

// EnsureDir creates dir and any missing parents. An existing directory is
// not an error.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("lock: create marker dir: %w", err)
	}
	return nil
}

// Dir returns the marker directory.
func (m *Manager) Dir() string { return m.opts.Dir }

// Held returns the resources currently held by this manager, sorted.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for _, h := range m.held {
		out = append(out, h.resource)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) markerPath(name string) string {
	return filepath.Join(m.opts.Dir, name)
}

// Acquire claims resource, retrying with bounded exponential backoff.
// Exhausting the budget returns an *AcquireError.
func (m *Manager) Acquire(ctx context.Context, resource string) error {
	name := MarkerName(resource)
	path := m.markerPath(name)
	token := uuid.NewString()
	start := m.now()

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := claim(path, token, m.opts.Stale, m.now)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, errContended):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.opts.MinTimeout,
		RandomizationFactor: 0.1,
		Multiplier:          m.opts.Factor,
		MaxInterval:         m.opts.MaxTimeout,
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.opts.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Debug("lock contended, backing off", "resource", resource, "wait", wait, "error", err)
		}),
	)
	m.opts.Metrics.LockAcquired(ctx, m.now().Sub(start), err != nil)
	if err != nil {
		m.logger.Warn("lock acquisition failed", "resource", resource, "marker", name, "attempts", attempts, "error", err)
		return &AcquireError{Resource: resource, Marker: name, Attempts: attempts, Err: err}
	}

	h := &held{resource: resource, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	m.mu.Lock()
	m.held[name] = h
	m.mu.Unlock()

	if m.opts.DisableRefresh {
		close(h.done)
	} else {
		go m.refresh(path, h)
	}
	m.logger.Debug("lock acquired", "resource", resource, "marker", name, "attempts", attempts)
	return nil
}

// refresh touches the marker so a live holder never looks abandoned.
func (m *Manager) refresh(path string, h *held) {
	defer close(h.done)
	ticker := time.NewTicker(m.opts.Stale / 2)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !owns(path, h.token) {
				m.logger.Warn("lock marker lost", "resource", h.resource)
				return
			}
			now := m.now()
			if err := os.Chtimes(path, now, now); err != nil {
				m.logger.Warn("lock refresh failed", "resource", h.resource, "error", err)
			}
		}
	}
}

// Release drops the lock on resource. Releasing a resource this manager
// does not hold logs a warning and returns nil.
func (m *Manager) Release(resource string) error {
	name := MarkerName(resource)
	m.mu.Lock()
	h, ok := m.held[name]
	if ok {
		delete(m.held, name)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("release of lock not held", "resource", resource, "marker", name)
		return nil
	}
	return m.drop(name, h)
}

func (m *Manager) drop(name string, h *held) error {
	close(h.stop)
	<-h.done

	path := m.markerPath(name)
	if !owns(path, h.token) {
		// Reclaimed by someone else after we went stale.
		m.logger.Warn("lock marker no longer ours at release", "resource", h.resource, "marker", name)
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %q: %w", h.resource, err)
	}
	m.logger.Debug("lock released", "resource", h.resource, "marker", name)
	return nil
}

// ReleaseAll drops every lock held by this manager.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	all := m.held
	m.held = make(map[string]*held)
	m.mu.Unlock()

	var errs []error
	for name, h := range all {
		if err := m.drop(name, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithLock runs fn while holding resource. The lock is released on every
// exit path, including a panic in fn.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func() error) error {
	return m.WithLocks(ctx, []string{resource}, fn)
}

// WithLocks acquires every resource (in marker-name order, duplicates
// folded), runs fn and releases them all. If any acquisition fails the
// locks already taken are released and fn is not called.
func (m *Manager) WithLocks(ctx context.Context, resources []string, fn func() error) (err error) {
	ordered := orderResources(resources)
	var taken []string
	defer func() {
		for i := len(taken) - 1; i >= 0; i-- {
			if rerr := m.Release(taken[i]); rerr != nil && err == nil {
				err = rerr
			}
		}
	}()
	for _, r := range ordered {
		if err := m.Acquire(ctx, r); err != nil {
			return err
		}
		taken = append(taken, r)
	}
	return fn()
}

func orderResources(resources []string) []string {
	seen := make(map[string]string, len(resources))
	for _, r := range resources {
		name := MarkerName(r)
		if _, ok := seen[name]; !ok {
			seen[name] = r
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = seen[name]
	}
	return out
}

// MarkerInfo describes one marker file found in the lock directory.
type MarkerInfo struct {
	Name  string
	Owner string
	Age   time.Duration
	Stale bool
}

// Markers lists the markers currently present in the lock directory,
// including ones held by other processes.
func (m *Manager) Markers() ([]MarkerInfo, error) {
	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("lock: read marker dir: %w", err)
	}
	now := m.now()
	var out []MarkerInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mi := MarkerInfo{Name: e.Name(), Age: now.Sub(info.ModTime())}
		mi.Stale = mi.Age >= m.opts.Stale
		if raw, err := os.ReadFile(m.markerPath(e.Name())); err == nil {
			mi.Owner, _, _ = strings.Cut(strings.TrimSpace(string(raw)), " ")
		}
		out = append(out, mi)
	}
	return out, nil
}
