// Package liveness marks hosts offline when their heartbeats stop and
// applies the configured DNS retraction policy.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prismhq/prism/internal/dns"
	"github.com/prismhq/prism/internal/events"
	"github.com/prismhq/prism/internal/metrics"
	"github.com/prismhq/prism/internal/registry"
	"github.com/prismhq/prism/internal/stats"
)

// Retraction policies for DNS records of offline hosts.
const (
	PolicyKeep   = "keep"
	PolicyRemove = "remove"
)

// Config for the liveness monitor.
type Config struct {
	// HeartbeatInterval is the expected client heartbeat cadence. The
	// monitor sweeps at half this interval.
	HeartbeatInterval time.Duration
	// LivenessTimeout is how long a host may go unseen before it is
	// marked offline.
	LivenessTimeout time.Duration
	// RetractionPolicy is keep or remove.
	RetractionPolicy string
}

// Monitor periodically sweeps the store for stale hosts.
type Monitor struct {
	cfg    Config
	store  registry.HostStore
	dns    dns.Provider
	bus    events.Bus
	stats  *stats.Collector
	logger *slog.Logger

	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. Call Start to begin sweeping.
func New(cfg Config, store registry.HostStore, provider dns.Provider, bus events.Bus, collector *stats.Collector, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = dns.Disabled{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = maxDuration(cfg.HeartbeatInterval*5/2, 90*time.Second)
	}
	if cfg.RetractionPolicy == "" {
		cfg.RetractionPolicy = PolicyKeep
	}
	return &Monitor{
		cfg:    cfg,
		store:  store,
		dns:    provider,
		bus:    bus,
		stats:  collector,
		logger: logger,
		now:    time.Now,
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels the sweep loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.HeartbeatInterval / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		slog.Duration("sweep_interval", interval),
		slog.Duration("liveness_timeout", m.cfg.LivenessTimeout),
		slog.String("retraction_policy", m.cfg.RetractionPolicy))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep marks every host unseen for longer than the liveness timeout
// offline. Exported so tests and callers can force a pass.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := m.now().UTC().Add(-m.cfg.LivenessTimeout)
	stale, err := m.store.ListStale(ctx, cutoff)
	if err != nil {
		m.logger.Error("liveness sweep failed", slog.String("error", err.Error()))
		return
	}

	for _, h := range stale {
		if err := m.store.MarkOffline(ctx, h.Hostname); err != nil {
			m.logger.Error("failed to mark host offline",
				slog.String("hostname", h.Hostname),
				slog.String("error", err.Error()))
			continue
		}

		m.logger.Info("host offline",
			slog.String("hostname", h.Hostname),
			slog.String("last_ip", h.CurrentIP),
			slog.Time("last_seen", h.LastSeen))
		metrics.HostsOffline.Inc()

		if m.cfg.RetractionPolicy == PolicyRemove {
			m.retract(ctx, h)
		}
		if m.bus != nil {
			m.bus.Publish(events.New(events.TypeHostOffline, h.Hostname, h.CurrentIP, ""))
		}
	}
}

func (m *Monitor) retract(ctx context.Context, h *registry.Host) {
	res, err := m.dns.DeleteRecord(ctx, h.Hostname, h.DNSZone)
	if err != nil {
		m.logger.Error("failed to retract dns record",
			slog.String("hostname", h.Hostname),
			slog.String("zone", h.DNSZone),
			slog.String("error", err.Error()))
		if m.stats != nil {
			m.stats.RecordError("dns_retract_failed", err.Error())
		}
		return
	}
	m.logger.Debug("dns record retracted",
		slog.String("hostname", h.Hostname),
		slog.String("result", string(res)))
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
