package plansync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProviderDescriptor declares one candidate back-end for the selector.
// Descriptors are static: registered once at startup, never mutated.
type ProviderDescriptor struct {
	// Name identifies the descriptor in logs and failure reports.
	Name string

	// Priority orders probing; lower values are tried first.
	Priority int

	// New constructs the provider. Construction should be cheap; the
	// expensive handshake belongs in Probe.
	New func() (Provider, error)
}

// SelectorConfig configures provider selection.
type SelectorConfig struct {
	// ProbeTimeout bounds each probe. A timed-out probe counts as failed
	// and the selector falls through to the next descriptor.
	// Default: 15s
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
}

// DefaultSelectorConfig returns default selection configuration.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{ProbeTimeout: 15 * time.Second}
}

// Selector probes providers in priority order and exposes the first one
// whose probe succeeds. When every probe fails it reports
// ErrAllProvidersFailed; the engine then runs local-only and calls Select
// again on a timer and on network-online transitions.
type Selector struct {
	config      SelectorConfig
	descriptors []ProviderDescriptor

	mu       sync.Mutex
	active   Provider
	activeAt time.Time
	failures map[string]error
}

// NewSelector creates a selector over the given descriptors. The slice is
// copied and sorted by priority.
func NewSelector(config SelectorConfig, descriptors []ProviderDescriptor) *Selector {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 15 * time.Second
	}
	sorted := make([]ProviderDescriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Selector{
		config:      config,
		descriptors: sorted,
		failures:    make(map[string]error),
	}
}

// Select probes descriptors in priority order and returns the first usable
// provider. The result is cached; a later call returns the same handle
// without reprobing until Reset is called.
func (s *Selector) Select(ctx context.Context) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return s.active, nil
	}

	for _, desc := range s.descriptors {
		provider, err := s.tryDescriptor(ctx, desc)
		if err != nil {
			s.failures[desc.Name] = err
			slog.Warn("provider probe failed", "provider", desc.Name, "err", err)
			continue
		}
		delete(s.failures, desc.Name)
		slog.Info("provider selected", "provider", desc.Name, "priority", desc.Priority)
		s.active = provider
		s.activeAt = time.Now()
		return provider, nil
	}

	return nil, fmt.Errorf("%w: tried %d descriptors", ErrAllProvidersFailed, len(s.descriptors))
}

func (s *Selector) tryDescriptor(ctx context.Context, desc ProviderDescriptor) (Provider, error) {
	provider, err := desc.New()
	if err != nil {
		return nil, fmt.Errorf("construct: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	if err := provider.Probe(probeCtx); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("probe: %w", err)
	}
	return provider, nil
}

// Active returns the currently selected provider, or nil when selection has
// not succeeded yet.
func (s *Selector) Active() Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Reset discards the active provider so the next Select reprobes the full
// chain. Used after repeated save/load failures on the active back-end.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		_ = s.active.Close()
		s.active = nil
	}
}

// Failures returns the last probe error per descriptor name.
func (s *Selector) Failures() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.failures))
	for k, v := range s.failures {
		out[k] = v
	}
	return out
}
