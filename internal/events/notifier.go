package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prismhq/prism/internal/email"
)

// NotifierConfig tunes the operator alerting rules.
type NotifierConfig struct {
	// AdminEmail receives the alerts. Empty disables the notifier.
	AdminEmail string
	// DNSFailureStreak is how many consecutive sync failures for one host
	// trigger an alert. Zero means 3.
	DNSFailureStreak int
	// Cooldown is the minimum gap between alerts for the same host and
	// alert kind. Zero means 15 minutes.
	Cooldown time.Duration
	// QueueSize bounds the pending alert queue. Zero means 64.
	QueueSize int
}

// Notifier turns host lifecycle events into operator emails: one alert
// when a host goes offline, one when DNS synchronization keeps failing
// for the same host. Bus delivery is synchronous, so sends are handed
// off to a worker goroutine and never block the publisher.
type Notifier struct {
	cfg      NotifierConfig
	provider email.Provider
	bus      Bus
	logger   *slog.Logger

	mu       sync.Mutex
	streaks  map[string]int
	lastSent map[string]time.Time
	draining bool
	now      func() time.Time

	runMu       sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	queue       chan *email.Message
	wg          sync.WaitGroup
}

// NewNotifier creates the notifier. It does nothing until Start.
func NewNotifier(cfg NotifierConfig, provider email.Provider, bus Bus, logger *slog.Logger) *Notifier {
	if cfg.DNSFailureStreak <= 0 {
		cfg.DNSFailureStreak = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:      cfg,
		provider: provider,
		bus:      bus,
		logger:   logger,
		streaks:  make(map[string]int),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start subscribes to the bus and launches the send worker.
func (n *Notifier) Start(ctx context.Context) {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.cancel != nil || n.cfg.AdminEmail == "" {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.queue = make(chan *email.Message, n.cfg.QueueSize)
	n.mu.Lock()
	n.draining = false
	n.mu.Unlock()
	n.unsubscribe = n.bus.Subscribe(n.handle)

	n.wg.Add(1)
	go n.worker(ctx)
	n.logger.Info("notifier started", slog.String("admin_email", n.cfg.AdminEmail))
}

// Stop unsubscribes and waits for queued alerts to drain.
func (n *Notifier) Stop() {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.cancel == nil {
		return
	}
	n.unsubscribe()
	// An unsubscribed handler can still be mid-delivery; the draining
	// flag keeps it away from the closing channel.
	n.mu.Lock()
	n.draining = true
	n.mu.Unlock()
	close(n.queue)
	n.wg.Wait()
	n.cancel()
	n.cancel = nil
}

func (n *Notifier) handle(ev Event) {
	switch ev.Type {
	case TypeHostOffline:
		if n.allow(TypeHostOffline, ev.Hostname) {
			n.enqueue(n.offlineMessage(ev))
		}
	case TypeDNSSyncFailed:
		n.mu.Lock()
		n.streaks[ev.Hostname]++
		streak := n.streaks[ev.Hostname]
		if streak >= n.cfg.DNSFailureStreak {
			n.streaks[ev.Hostname] = 0
		}
		n.mu.Unlock()
		if streak >= n.cfg.DNSFailureStreak && n.allow(TypeDNSSyncFailed, ev.Hostname) {
			n.enqueue(n.dnsFailureMessage(ev, streak))
		}
	case TypeHostRegistered, TypeHostIPChanged, TypeHostRefreshed:
		// A live registration restarts the failure count.
		n.mu.Lock()
		delete(n.streaks, ev.Hostname)
		n.mu.Unlock()
	}
}

// allow enforces the per host, per alert kind cooldown.
func (n *Notifier) allow(kind, hostname string) bool {
	key := kind + ":" + hostname
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cfg.Cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *Notifier) enqueue(msg *email.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.draining {
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.logger.Warn("alert queue full, dropping alert",
			slog.String("subject", msg.Subject))
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	for msg := range n.queue {
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		res := n.provider.Send(sendCtx, msg)
		cancel()
		if !res.Success {
			n.logger.Error("alert send failed",
				slog.String("subject", msg.Subject),
				slog.String("error_code", res.ErrorCode),
				slog.String("error", res.Error))
		}
	}
}

func (n *Notifier) offlineMessage(ev Event) *email.Message {
	return &email.Message{
		To:       []string{n.cfg.AdminEmail},
		Subject:  fmt.Sprintf("prism: host %s is offline", ev.Hostname),
		Priority: email.PriorityHigh,
		Tags:     []string{"prism", "host-offline"},
		TextBody: fmt.Sprintf(
			"Host %s stopped sending heartbeats and was marked offline at %s.\nLast known IP: %s\n",
			ev.Hostname, ev.Timestamp.Format(time.RFC3339), ev.IP),
	}
}

func (n *Notifier) dnsFailureMessage(ev Event, streak int) *email.Message {
	return &email.Message{
		To:       []string{n.cfg.AdminEmail},
		Subject:  fmt.Sprintf("prism: DNS sync failing for %s", ev.Hostname),
		Priority: email.PriorityHigh,
		Tags:     []string{"prism", "dns-sync"},
		TextBody: fmt.Sprintf(
			"DNS synchronization for host %s has failed %d times in a row.\nLast error: %s\nLast IP: %s\n",
			ev.Hostname, streak, ev.Detail, ev.IP),
	}
}
