package plansync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SyncStatus is the coarse user-visible sync indicator. Transport and
// provider failures are absorbed inside the engine; this is the only signal
// surfaced upward.
type SyncStatus int

const (
	// SyncEnabled means both the relay and provider channels are healthy.
	SyncEnabled SyncStatus = iota
	// SyncDegraded means one channel is down; the other still converges.
	SyncDegraded
	// SyncDisabled means the engine is operating local-only.
	SyncDisabled
)

// String returns the status name.
func (s SyncStatus) String() string {
	switch s {
	case SyncEnabled:
		return "enabled"
	case SyncDegraded:
		return "degraded"
	case SyncDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ErrEngineClosed is returned by operations on a stopped engine.
var ErrEngineClosed = errors.New("sync engine stopped")

// EngineConfig configures the sync engine.
type EngineConfig struct {
	// UserID is the identity all snapshots are stored and relayed under.
	UserID string `json:"user_id" yaml:"user_id"`

	// DebounceWindow is the quiet period after a local mutation before the
	// batch is pushed to the relay. Bursts inside the window coalesce into
	// one batch holding the latest record per key. Default: 800ms
	DebounceWindow time.Duration `json:"debounce_window" yaml:"debounce_window"`

	// PushInterval is the cadence of the durable channel: the full local
	// snapshot is saved to the active provider this often. Default: 30s
	PushInterval time.Duration `json:"push_interval" yaml:"push_interval"`

	// ProviderTimeout bounds every provider save/load call. Default: 20s
	ProviderTimeout time.Duration `json:"provider_timeout" yaml:"provider_timeout"`

	// ReprobeInterval is how often provider selection is retried while all
	// providers are failed. Default: 1m
	ReprobeInterval time.Duration `json:"reprobe_interval" yaml:"reprobe_interval"`

	// BreakerFailures and BreakerReset configure the circuit breaker around
	// provider saves. Defaults: 3 failures, 1m reset.
	BreakerFailures int           `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerReset    time.Duration `json:"breaker_reset" yaml:"breaker_reset"`
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DebounceWindow:  800 * time.Millisecond,
		PushInterval:    30 * time.Second,
		ProviderTimeout: 20 * time.Second,
		ReprobeInterval: time.Minute,
		BreakerFailures: 3,
		BreakerReset:    time.Minute,
	}
}

// SyncEngine keeps the local snapshot store, the active provider, and the
// relay client converged. It owns its configuration and lifecycle; construct
// one per process and pass it by reference.
//
// Two outgoing channels run on independent cadence: debounced batches go to
// the relay in near real time, and the full snapshot goes to the provider on
// a slower periodic timer. Incoming records from either channel funnel
// through the same merge entry point, and merge-applied writes never
// re-trigger an outgoing push.
type SyncEngine struct {
	config   EngineConfig
	store    *SnapshotStore
	selector *Selector
	relay    *RelayClient
	breaker  *CircuitBreaker

	mu             sync.Mutex
	dirty          map[string]ChangeRecord
	debounce       *time.Timer
	started        bool
	stopped        bool
	synced         bool
	providerLoaded bool
	relayCaughtUp  bool
	relayState     RelayClientState
	providerOK     bool

	pushCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSyncEngine wires an engine over a store, a provider selector, and an
// optional relay client (nil means provider-only operation).
func NewSyncEngine(config EngineConfig, store *SnapshotStore, selector *Selector, relay *RelayClient) *SyncEngine {
	def := DefaultEngineConfig()
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = def.DebounceWindow
	}
	if config.PushInterval <= 0 {
		config.PushInterval = def.PushInterval
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = def.ProviderTimeout
	}
	if config.ReprobeInterval <= 0 {
		config.ReprobeInterval = def.ReprobeInterval
	}
	if config.BreakerFailures <= 0 {
		config.BreakerFailures = def.BreakerFailures
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = def.BreakerReset
	}
	return &SyncEngine{
		config:        config,
		store:         store,
		selector:      selector,
		relay:         relay,
		breaker:       NewCircuitBreaker(config.BreakerFailures, config.BreakerReset),
		dirty:         make(map[string]ChangeRecord),
		relayCaughtUp: relay == nil,
		relayState:    RelayDisconnected,
		pushCh:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins syncing: subscribes to local mutations, connects the relay,
// performs the startup sync from both channels, and launches the durable
// push loop.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.started = true
	e.mu.Unlock()

	e.store.Subscribe(e.onLocalChange)

	if e.relay != nil {
		e.relay.OnRecords = e.MergeRemote
		e.relay.OnFullSync = e.mergeRemoteSnapshot
		e.relay.OnState = e.onRelayState
		e.relay.Start(ctx)
	}

	e.wg.Add(1)
	go e.pushLoop(ctx)

	e.startupSync(ctx)
	return nil
}

// Stop stops timers and connections. The local store remains usable.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.mu.Unlock()

	close(e.done)
	if e.relay != nil {
		e.relay.Stop()
	}
	e.wg.Wait()

	if p := e.selector.Active(); p != nil {
		_ = p.Close()
	}
}

// Store returns the engine's snapshot store.
func (e *SyncEngine) Store() *SnapshotStore {
	return e.store
}

// Status returns the coarse sync indicator.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	relayUp := e.relay != nil && e.relayState == RelayRegistered
	switch {
	case relayUp && e.providerOK:
		return SyncEnabled
	case relayUp || e.providerOK:
		return SyncDegraded
	default:
		return SyncDisabled
	}
}

// Synced reports whether the startup catch-up has completed: the provider
// snapshot is loaded and the first relay full sync has been merged, or the
// relay is unreachable or not configured. False while the device may still
// be behind.
func (e *SyncEngine) Synced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// NotifyOnline signals a network-online transition: the relay reconnects
// immediately, provider selection is retried, and a durable push is
// scheduled.
func (e *SyncEngine) NotifyOnline() {
	if e.relay != nil {
		e.relay.NotifyOnline()
	}
	e.triggerPush()
}

// NotifyVisible signals a visibility transition (the app returned to the
// foreground); schedules a durable push.
func (e *SyncEngine) NotifyVisible() {
	e.triggerPush()
}

// MergeRemote applies records received from any remote channel. The merge
// rule is identical for relay and provider data. Rejected records are the
// expected stale case, logged and dropped.
func (e *SyncEngine) MergeRemote(records []ChangeRecord) {
	accepted := 0
	for _, rec := range records {
		if e.store.ApplyRemote(rec) {
			accepted++
		}
	}
	if len(records) > 0 {
		slog.Debug("remote records merged",
			"received", len(records), "accepted", accepted)
	}
}

func (e *SyncEngine) mergeRemoteSnapshot(snap Snapshot) {
	accepted := e.store.ApplySnapshot(snap)

	e.mu.Lock()
	e.relayCaughtUp = true
	e.updateSyncedLocked()
	e.mu.Unlock()

	slog.Debug("remote snapshot merged", "keys", len(snap), "accepted", accepted)
}

// updateSyncedLocked recomputes the startup flag. Callers hold e.mu.
func (e *SyncEngine) updateSyncedLocked() {
	e.synced = e.providerLoaded && e.relayCaughtUp
}

// onLocalChange runs synchronously under the store lock; it only marks the
// key dirty and arms the debounce timer.
func (e *SyncEngine) onLocalChange(rec ChangeRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.dirty[rec.Key] = rec
	if e.debounce == nil {
		e.debounce = time.AfterFunc(e.config.DebounceWindow, e.flushDebounced)
	} else {
		e.debounce.Reset(e.config.DebounceWindow)
	}
}

// flushDebounced emits one batch holding the latest record per changed key.
// Real-time channel only; best effort beyond the relay's own reconnect
// logic.
func (e *SyncEngine) flushDebounced() {
	e.mu.Lock()
	if e.stopped || len(e.dirty) == 0 {
		e.mu.Unlock()
		return
	}
	batch := make([]ChangeRecord, 0, len(e.dirty))
	for _, rec := range e.dirty {
		batch = append(batch, rec)
	}
	e.dirty = make(map[string]ChangeRecord)
	e.mu.Unlock()

	if e.relay == nil {
		return
	}
	if err := e.relay.SendBatch(batch); err != nil {
		slog.Debug("relay batch dropped", "keys", len(batch), "err", err)
	}
}

func (e *SyncEngine) onRelayState(s RelayClientState) {
	e.mu.Lock()
	old := e.relayState
	e.relayState = s
	if s == RelayUnavailable {
		// The relay side of startup will not happen; the device is as
		// caught up as it can get.
		e.relayCaughtUp = true
		e.updateSyncedLocked()
	}
	e.mu.Unlock()
	if old != s {
		slog.Info("relay state changed", "from", old.String(), "to", s.String(),
			"status", e.Status().String())
	}
}

// startupSync merges the provider snapshot into the local store. The relay
// side of startup is covered by registration: the server sends the room
// cache as a full sync the moment the device registers, and Synced stays
// false until that snapshot has been merged too.
func (e *SyncEngine) startupSync(ctx context.Context) {
	provider := e.ensureProvider(ctx)
	if provider != nil {
		loadCtx, cancel := context.WithTimeout(ctx, e.config.ProviderTimeout)
		snap, err := provider.Load(loadCtx, e.config.UserID)
		cancel()
		switch {
		case errors.Is(err, ErrSnapshotNotFound):
			// First run for this user on this back-end.
		case err != nil:
			slog.Warn("startup provider load failed", "provider", provider.Name(), "err", err)
		default:
			e.mergeRemoteSnapshot(snap)
		}
	}

	e.mu.Lock()
	e.providerLoaded = true
	e.updateSyncedLocked()
	e.mu.Unlock()
}

// ensureProvider returns the active provider, running selection if needed.
// Returns nil in local-only mode; the push loop keeps reprobing.
func (e *SyncEngine) ensureProvider(ctx context.Context) Provider {
	provider, err := e.selector.Select(ctx)

	e.mu.Lock()
	e.providerOK = err == nil
	e.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrAllProvidersFailed) {
			slog.Warn("all providers failed, operating local-only")
		} else {
			slog.Warn("provider selection failed", "err", err)
		}
		return nil
	}
	return provider
}

func (e *SyncEngine) triggerPush() {
	select {
	case e.pushCh <- struct{}{}:
	default:
	}
}

// pushLoop is the durable channel: on a periodic timer and on
// online/visibility triggers it serializes the entire current snapshot and
// saves it through the active provider.
func (e *SyncEngine) pushLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.PushInterval)
	defer ticker.Stop()
	reprobe := time.NewTicker(e.config.ReprobeInterval)
	defer reprobe.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.pushCh:
		case <-reprobe.C:
			// Only relevant while running local-only; Select is a cheap
			// cache hit when a provider is already active.
			if e.selector.Active() != nil {
				continue
			}
		}
		e.pushDurable(ctx)
	}
}

func (e *SyncEngine) pushDurable(ctx context.Context) {
	provider := e.ensureProvider(ctx)
	if provider == nil {
		return
	}

	snap := e.store.Snapshot()
	err := e.breaker.Execute(func() error {
		saveCtx, cancel := context.WithTimeout(ctx, e.config.ProviderTimeout)
		defer cancel()
		return provider.Save(saveCtx, e.config.UserID, snap)
	})
	if err != nil {
		e.mu.Lock()
		e.providerOK = false
		e.mu.Unlock()
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("durable push skipped, breaker open")
			return
		}
		slog.Warn("durable push failed", "provider", provider.Name(),
			"keys", len(snap), "err", err)
		if e.breaker.State() == "open" {
			// Repeated save failures on this back-end; drop it so the
			// next push reprobes the chain from the top.
			e.selector.Reset()
			e.breaker.Reset()
			slog.Info("provider dropped after repeated save failures",
				"provider", provider.Name())
		}
		return
	}

	e.mu.Lock()
	e.providerOK = true
	e.mu.Unlock()
	slog.Debug("durable push complete", "provider", provider.Name(), "keys", len(snap))
}
