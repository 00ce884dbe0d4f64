package email

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SuppressionStore answers whether a recipient address must not be mailed
// (bounces, complaints, unsubscribes). Implementations live in
// internal/repository; MemorySuppressionStore backs tests and single-node
// deployments.
type SuppressionStore interface {
	IsSuppressed(ctx context.Context, address string) (bool, error)
	Suppress(ctx context.Context, address, reason string) error
	Unsuppress(ctx context.Context, address string) error
}

// MemorySuppressionStore is a mutex-protected in-memory suppression list.
type MemorySuppressionStore struct {
	mu      sync.RWMutex
	entries map[string]suppressionEntry
}

type suppressionEntry struct {
	reason string
	since  time.Time
}

func NewMemorySuppressionStore() *MemorySuppressionStore {
	return &MemorySuppressionStore{entries: make(map[string]suppressionEntry)}
}

func (s *MemorySuppressionStore) IsSuppressed(ctx context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[foldAddress(address)]
	return ok, nil
}

func (s *MemorySuppressionStore) Suppress(ctx context.Context, address, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[foldAddress(address)] = suppressionEntry{reason: reason, since: time.Now().UTC()}
	return nil
}

func (s *MemorySuppressionStore) Unsuppress(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, foldAddress(address))
	return nil
}

// suppressionGate wraps a production provider and drops suppressed
// recipients before transport. A store lookup failure fails open: the
// recipient is kept.
type suppressionGate struct {
	inner  Provider
	store  SuppressionStore
	logger *slog.Logger
}

// WithSuppressionGate wraps provider with the suppression check.
func WithSuppressionGate(provider Provider, store SuppressionStore, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &suppressionGate{inner: provider, store: store, logger: logger}
}

func (g *suppressionGate) Name() string { return g.inner.Name() }

func (g *suppressionGate) Send(ctx context.Context, msg *Message) *Result {
	if err := msg.Validate(); err != nil {
		res := failureResult(g.inner.Name(), CodeInvalidMessage, err.Error())
		recordSend(g.inner.Name(), res)
		return res
	}

	filtered := *msg
	filtered.To = g.filter(ctx, msg.To)
	filtered.Cc = g.filter(ctx, msg.Cc)
	filtered.Bcc = g.filter(ctx, msg.Bcc)

	if len(filtered.To)+len(filtered.Cc)+len(filtered.Bcc) == 0 {
		g.logger.Info("all recipients suppressed, dropping message",
			slog.String("subject", msg.Subject))
		res := failureResult(g.inner.Name(), CodeSuppressed, "recipients suppressed")
		recordSend(g.inner.Name(), res)
		return res
	}
	return g.inner.Send(ctx, &filtered)
}

func (g *suppressionGate) SendBulk(ctx context.Context, msgs []*Message) []*Result {
	return sendBulk(ctx, g, msgs)
}

func (g *suppressionGate) VerifyConfiguration(ctx context.Context) bool {
	return g.inner.VerifyConfiguration(ctx)
}

// Close releases the wrapped provider's resources when it has any.
func (g *suppressionGate) Close() {
	if closer, ok := g.inner.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (g *suppressionGate) filter(ctx context.Context, addrs []string) []string {
	var kept []string
	for _, addr := range addrs {
		suppressed, err := g.store.IsSuppressed(ctx, addr)
		if err != nil {
			g.logger.Warn("suppression lookup failed, keeping recipient",
				slog.String("address", addr),
				slog.String("error", err.Error()))
			kept = append(kept, addr)
			continue
		}
		if suppressed {
			g.logger.Debug("recipient suppressed", slog.String("address", addr))
			continue
		}
		kept = append(kept, addr)
	}
	return kept
}
