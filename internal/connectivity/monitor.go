package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Prober checks whether the network path to the providers works
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor holds the online flag and notifies subscribers on every change
type Monitor struct {
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	online      bool
	subscribers []func(online bool)
}

// NewMonitor creates a monitor with the given initial state
func NewMonitor(online bool, clk clock.Clock, logger *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{online: online, clock: clk, logger: logger}
}

// Online reports the current state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers fn for state changes
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Set updates the state and reports whether it changed
func (m *Monitor) Set(online bool, reason string) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := append([]func(bool){}, m.subscribers...)
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", zap.Bool("online", online), zap.String("reason", reason))
	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Run probes every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if prober == nil || interval <= 0 {
		return
	}

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, prober, interval)
		}
	}
}

func (m *Monitor) check(ctx context.Context, prober Prober, interval time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, interval/2)
	defer cancel()

	if err := prober.Probe(ctx); err != nil {
		m.logger.Debug("Connectivity probe failed", zap.Error(err))
		m.Set(false, "probe failed")
		return
	}
	m.Set(true, "probe succeeded")
}
