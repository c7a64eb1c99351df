package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadQuietPeriod is how long the file must stay quiet before a reload is
// applied; editors fire several write events per save.
const reloadQuietPeriod = 500 * time.Millisecond

// Change describes one applied reload. Subscribers use the section
// predicates to decide what to re-seed: the composition root rekeys the
// credential vault when the master-key reference moved, flushes the model
// router, and re-arms the rate-limit gate.
type Change struct {
	Old *Config
	New *Config
}

// MasterKeyChanged reports whether the vault section moved, meaning the
// master key must be re-resolved and the key vault rekeyed.
func (ch Change) MasterKeyChanged() bool {
	return ch.Old.Vault != ch.New.Vault
}

// RateLimitChanged reports whether the request-rate gate must be re-armed.
func (ch Change) RateLimitChanged() bool {
	return ch.Old.RateLimit != ch.New.RateLimit
}

// RoutingChanged reports whether dispatch settings (key strategy, request
// timeout) moved.
func (ch Change) RoutingChanged() bool {
	return ch.Old.Routing != ch.New.Routing
}

// LoggingChanged reports whether the log level or format moved.
func (ch Change) LoggingChanged() bool {
	return ch.Old.Logging != ch.New.Logging
}

// RestartRequired reports whether a section that cannot be applied to a
// running process moved (server sockets, database, shared store, breaker
// parameters baked into running state machines).
func (ch Change) RestartRequired() bool {
	return ch.Old.Server != ch.New.Server ||
		ch.Old.Database != ch.New.Database ||
		ch.Old.Redis != ch.New.Redis ||
		ch.Old.Breaker != ch.New.Breaker
}

// Manager owns the configuration file: it loads it once, watches it for
// writes, and on each effective change swaps the snapshot and notifies
// subscribers with a section diff.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(Change)
}

// NewManager loads the configuration file and returns a manager for it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current snapshot. Safe for concurrent use; the snapshot is
// immutable once published.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Subscribe registers a callback invoked after each effective reload.
// Callbacks run sequentially on the watcher goroutine.
func (m *Manager) Subscribe(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Watch starts watching the configuration file until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watch(ctx, watcher)
	return nil
}

func (m *Manager) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	// The timer fires once the file has been quiet for the full period;
	// every relevant event pushes it out again.
	quiet := time.NewTimer(reloadQuietPeriod)
	if !quiet.Stop() {
		<-quiet.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if armed && !quiet.Stop() {
				<-quiet.C
			}
			quiet.Reset(reloadQuietPeriod)
			armed = true

		case <-quiet.C:
			armed = false
			m.applyReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// applyReload loads the file, publishes the snapshot if anything effective
// changed, and fans the diff out to subscribers.
func (m *Manager) applyReload() {
	next, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload rejected, keeping current", "error", err)
		return
	}

	prev := m.current.Load()
	if *prev == *next {
		m.logger.Debug("config rewrite with no effective change")
		return
	}
	m.current.Store(next)

	ch := Change{Old: prev, New: next}
	m.logger.Info("configuration reloaded",
		"master_key_changed", ch.MasterKeyChanged(),
		"rate_limit_changed", ch.RateLimitChanged(),
		"routing_changed", ch.RoutingChanged(),
		"restart_required", ch.RestartRequired(),
	)

	m.mu.Lock()
	subs := make([]func(Change), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ch)
	}
}
