// Package connectivity tracks whether the order API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultProbeInterval is the delay between health probes.
	DefaultProbeInterval = 10 * time.Second
	probeTimeout         = 5 * time.Second
)

// Prober checks reachability of the remote side.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor is the connectivity signal: a synchronous Online flag plus a
// Restored channel signalled on every offline to online transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	online   atomic.Bool
	restored chan struct{}
	log      *slog.Logger
}

// New returns a Monitor that starts offline. A nil prober disables probing;
// the state then only changes through Set.
func New(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		restored: make(chan struct{}, 1),
		log:      logger,
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Restored delivers one value per offline to online transition. Transitions
// that happen while a previous signal is unread are coalesced.
func (m *Monitor) Restored() <-chan struct{} {
	return m.restored
}

// Set records the connectivity state.
func (m *Monitor) Set(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	if online {
		m.log.Info("connectivity restored")
		select {
		case m.restored <- struct{}{}:
		default:
		}
		return
	}
	m.log.Warn("connectivity lost")
}

// Probe runs one health check and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	err := m.prober.Health(ctx)
	if err != nil {
		m.log.Debug("health probe failed", "error", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
