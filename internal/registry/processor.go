package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prismhq/prism/internal/dns"
	"github.com/prismhq/prism/internal/events"
	"github.com/prismhq/prism/internal/metrics"
	"github.com/prismhq/prism/internal/retry"
	"github.com/prismhq/prism/internal/stats"
)

// Outcome of an accepted registration.
type Outcome string

const (
	OutcomeNew       Outcome = "new_registration"
	OutcomeIPUpdated Outcome = "ip_updated"
	OutcomeRefreshed Outcome = "refreshed"
)

// ErrAuthRejected is returned when token checking is enabled and the
// presented token does not match.
var ErrAuthRejected = errors.New("registry: invalid auth token")

// Result describes one accepted registration.
type Result struct {
	Outcome  Outcome
	Hostname string
	IP       string
}

// ProcessorConfig configures the registration processor.
type ProcessorConfig struct {
	// AuthToken, when non-empty, must match the message's auth_token.
	AuthToken string
	// DNSEnabled gates record propagation.
	DNSEnabled bool
	// DefaultZone is the zone for newly created host records.
	DefaultZone string
	// DefaultTTL is the record TTL for propagated records.
	DefaultTTL time.Duration
	// SyncQueueSize bounds the DNS propagation queue. Zero selects 256.
	SyncQueueSize int
	// SyncRetry overrides the DNS retry policy; zero value selects the
	// seconds-scale default (5 attempts, 5s initial, 5m cap).
	SyncRetry retry.Policy
	// BreakerThreshold and BreakerRecovery configure the DNS breaker.
	BreakerThreshold int
	BreakerRecovery  time.Duration
}

type syncJob struct {
	hostname string
	zone     string
	ip       string
}

// Processor applies accepted registration messages to the host store and
// schedules DNS propagation.
type Processor struct {
	cfg     ProcessorConfig
	store   HostStore
	dns     dns.Provider
	bus     events.Bus
	stats   *stats.Collector
	logger  *slog.Logger
	breaker *retry.Breaker

	syncCh chan syncJob
	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewProcessor creates a Processor. Call Start before Process and Stop on
// shutdown.
func NewProcessor(cfg ProcessorConfig, store HostStore, provider dns.Provider, bus events.Bus, collector *stats.Collector, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncQueueSize <= 0 {
		cfg.SyncQueueSize = 256
	}
	if cfg.SyncRetry.MaxAttempts == 0 {
		cfg.SyncRetry = retry.Policy{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Second,
			MaxDelay:     5 * time.Minute,
			Base:         2,
			Jitter:       true,
		}
	}
	isFailure := func(err error) bool {
		return err != nil && !errors.Is(err, retry.ErrCircuitOpen) && dns.IsRetryable(err)
	}
	cfg.SyncRetry.IsRetryable = func(err error) bool {
		return errors.Is(err, retry.ErrCircuitOpen) || dns.IsRetryable(err)
	}
	return &Processor{
		cfg:     cfg,
		store:   store,
		dns:     provider,
		bus:     bus,
		stats:   collector,
		logger:  logger,
		breaker: retry.NewBreaker(cfg.BreakerThreshold, cfg.BreakerRecovery, isFailure),
		syncCh:  make(chan syncJob, cfg.SyncQueueSize),
	}
}

// Start launches the DNS propagation worker.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.syncWorker(ctx)
}

// Stop cancels the propagation worker and waits for it to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Process applies one accepted registration from sourceIP. The returned
// error is non-nil only when the store mutation failed or the token was
// rejected; DNS propagation is asynchronous and never fails the response.
func (p *Processor) Process(ctx context.Context, hostname, authToken, sourceIP string) (*Result, error) {
	if p.cfg.AuthToken != "" {
		if subtle.ConstantTimeCompare([]byte(authToken), []byte(p.cfg.AuthToken)) != 1 {
			return nil, ErrAuthRejected
		}
	}

	existing, err := p.store.Get(ctx, hostname)
	switch {
	case errors.Is(err, ErrHostNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("registry: lookup %q: %w", hostname, err)
	}

	var result Result
	zone := p.cfg.DefaultZone
	switch {
	case existing == nil:
		if _, err := p.store.Create(ctx, hostname, sourceIP, zone); err != nil {
			if errors.Is(err, ErrHostExists) {
				// Lost a create race with a concurrent connection for the
				// same hostname; last writer wins via the update path.
				if err := p.store.UpdateIP(ctx, hostname, sourceIP); err != nil {
					return nil, fmt.Errorf("registry: update %q after create race: %w", hostname, err)
				}
				result = Result{Outcome: OutcomeIPUpdated, Hostname: hostname, IP: sourceIP}
				break
			}
			return nil, fmt.Errorf("registry: create %q: %w", hostname, err)
		}
		result = Result{Outcome: OutcomeNew, Hostname: hostname, IP: sourceIP}

	case existing.CurrentIP != sourceIP:
		if err := p.store.UpdateIP(ctx, hostname, sourceIP); err != nil {
			return nil, fmt.Errorf("registry: update %q: %w", hostname, err)
		}
		zone = existing.DNSZone
		result = Result{Outcome: OutcomeIPUpdated, Hostname: hostname, IP: sourceIP}

	default:
		if err := p.store.Touch(ctx, hostname); err != nil {
			return nil, fmt.Errorf("registry: touch %q: %w", hostname, err)
		}
		zone = existing.DNSZone
		result = Result{Outcome: OutcomeRefreshed, Hostname: hostname, IP: sourceIP}
	}

	p.publish(result)
	if p.cfg.DNSEnabled && result.Outcome != OutcomeRefreshed {
		if err := p.store.SetDNSState(ctx, hostname, DNSPending, ""); err != nil {
			p.logger.Warn("failed to reset dns sync state",
				slog.String("hostname", hostname),
				slog.String("error", err.Error()))
		}
		p.scheduleSync(syncJob{hostname: hostname, zone: zone, ip: sourceIP})
	}
	return &result, nil
}

func (p *Processor) publish(r Result) {
	metrics.RegistrationsTotal.WithLabelValues(string(r.Outcome)).Inc()
	if p.bus == nil {
		return
	}
	switch r.Outcome {
	case OutcomeNew:
		p.bus.Publish(events.New(events.TypeHostRegistered, r.Hostname, r.IP, ""))
	case OutcomeIPUpdated:
		p.bus.Publish(events.New(events.TypeHostIPChanged, r.Hostname, r.IP, ""))
	case OutcomeRefreshed:
		p.bus.Publish(events.New(events.TypeHostRefreshed, r.Hostname, r.IP, ""))
	}
}

// scheduleSync enqueues a DNS propagation job. A full queue drops the job
// and leaves the record pending; the next registration retries.
func (p *Processor) scheduleSync(job syncJob) {
	select {
	case p.syncCh <- job:
	default:
		p.logger.Warn("dns sync queue full, record left pending",
			slog.String("hostname", job.hostname))
		if p.stats != nil {
			p.stats.RecordError("dns_queue_full", "dns sync queue full for "+job.hostname)
		}
	}
}

func (p *Processor) syncWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.syncCh:
			p.syncOne(ctx, job)
		}
	}
}

func (p *Processor) syncOne(ctx context.Context, job syncJob) {
	err := retry.Do(ctx, p.cfg.SyncRetry, func(ctx context.Context) error {
		return p.breaker.Do(ctx, func(ctx context.Context) error {
			_, err := p.dns.EnsureRecord(ctx, job.hostname, job.zone, job.ip, p.cfg.DefaultTTL)
			return err
		})
	})

	switch {
	case err == nil:
		metrics.DNSSyncTotal.WithLabelValues("synced").Inc()
		if p.stats != nil {
			p.stats.SetDNSHealthy(true)
		}
		if serr := p.store.SetDNSState(ctx, job.hostname, DNSSynced, ""); serr != nil {
			p.logger.Error("failed to record dns sync state",
				slog.String("hostname", job.hostname),
				slog.String("error", serr.Error()))
		}

	case errors.Is(err, context.Canceled):
		// Shutdown mid-sync; the record stays pending.

	default:
		metrics.DNSSyncTotal.WithLabelValues("failed").Inc()
		if p.stats != nil {
			p.stats.SetDNSHealthy(false)
			p.stats.RecordError("dns_sync_failed", err.Error())
		}
		p.logger.Error("dns sync failed",
			slog.String("hostname", job.hostname),
			slog.String("zone", job.zone),
			slog.String("error", err.Error()))
		if p.bus != nil {
			p.bus.Publish(events.New(events.TypeDNSSyncFailed, job.hostname, job.ip, err.Error()))
		}
		if serr := p.store.SetDNSState(ctx, job.hostname, DNSFailed, err.Error()); serr != nil {
			p.logger.Error("failed to record dns sync state",
				slog.String("hostname", job.hostname),
				slog.String("error", serr.Error()))
		}
	}
}
