package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prismhq/prism/internal/dns"
	"github.com/prismhq/prism/internal/events"
	"github.com/prismhq/prism/internal/retry"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	ips     map[string]string
	fail    error
	ensured chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{ips: make(map[string]string), ensured: make(chan struct{}, 16)}
}

func (f *fakeProvider) EnsureRecord(ctx context.Context, hostname, zone, ip string, ttl time.Duration) (dns.EnsureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hostname+"="+ip)
	defer func() {
		select {
		case f.ensured <- struct{}{}:
		default:
		}
	}()
	if f.fail != nil {
		return dns.Unchanged, f.fail
	}
	if prev, ok := f.ips[hostname]; ok && prev == ip {
		return dns.Unchanged, nil
	}
	f.ips[hostname] = ip
	return dns.Created, nil
}

func (f *fakeProvider) DeleteRecord(ctx context.Context, hostname, zone string) (dns.DeleteResult, error) {
	return dns.Absent, nil
}

func (f *fakeProvider) ZoneExists(ctx context.Context, zone string) (bool, error) {
	return true, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Base: 2}
}

func newTestProcessor(t *testing.T, cfg ProcessorConfig, provider dns.Provider) (*Processor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	if cfg.SyncRetry.MaxAttempts == 0 {
		cfg.SyncRetry = fastRetry()
	}
	p := NewProcessor(cfg, store, provider, events.NewBus(), nil, testLogger())
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, store
}

func waitEnsure(t *testing.T, f *fakeProvider) {
	t.Helper()
	select {
	case <-f.ensured:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dns propagation")
	}
}

func TestProcessor_NewRegistration(t *testing.T) {
	provider := newFakeProvider()
	p, store := newTestProcessor(t, ProcessorConfig{DNSEnabled: true, DefaultZone: "example.com"}, provider)

	res, err := p.Process(context.Background(), "host-a.example.com", "", "127.0.0.1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNew)
	}

	waitEnsure(t, provider)
	if got := provider.ips["host-a.example.com"]; got != "127.0.0.1" {
		t.Fatalf("propagated ip = %q, want 127.0.0.1", got)
	}

	waitDNSState(t, store, "host-a.example.com", DNSSynced)
	h, err := store.Get(context.Background(), "host-a.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Status != StatusOnline || h.CurrentIP != "127.0.0.1" {
		t.Fatalf("host = %+v", h)
	}
}

func TestProcessor_IPChangeSchedulesSync(t *testing.T) {
	provider := newFakeProvider()
	p, store := newTestProcessor(t, ProcessorConfig{DNSEnabled: true, DefaultZone: "example.com"}, provider)

	ctx := context.Background()
	if _, err := p.Process(ctx, "host-a.example.com", "", "127.0.0.1"); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	waitEnsure(t, provider)

	res, err := p.Process(ctx, "host-a.example.com", "", "10.0.0.5")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if res.Outcome != OutcomeIPUpdated {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeIPUpdated)
	}

	waitEnsure(t, provider)
	if got := provider.ips["host-a.example.com"]; got != "10.0.0.5" {
		t.Fatalf("propagated ip = %q, want 10.0.0.5", got)
	}
	h, _ := store.Get(ctx, "host-a.example.com")
	if h.CurrentIP != "10.0.0.5" {
		t.Fatalf("stored ip = %q, want 10.0.0.5", h.CurrentIP)
	}
}

func TestProcessor_RefreshSkipsDNS(t *testing.T) {
	provider := newFakeProvider()
	p, store := newTestProcessor(t, ProcessorConfig{DNSEnabled: true, DefaultZone: "example.com"}, provider)

	ctx := context.Background()
	if _, err := p.Process(ctx, "host-a.example.com", "", "127.0.0.1"); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	waitEnsure(t, provider)
	waitDNSState(t, store, "host-a.example.com", DNSSynced)

	before, _ := store.Get(ctx, "host-a.example.com")
	store.now = func() time.Time { return before.LastSeen.Add(30 * time.Second) }

	res, err := p.Process(ctx, "host-a.example.com", "", "127.0.0.1")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if res.Outcome != OutcomeRefreshed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeRefreshed)
	}
	after, _ := store.Get(ctx, "host-a.example.com")
	if !after.LastSeen.After(before.LastSeen) {
		t.Fatalf("last_seen did not advance: %v -> %v", before.LastSeen, after.LastSeen)
	}
	if got := provider.callCount(); got != 1 {
		t.Fatalf("provider calls = %d, want 1 (refresh must not touch dns)", got)
	}
}

func TestProcessor_AuthTokenMismatch(t *testing.T) {
	provider := newFakeProvider()
	p, store := newTestProcessor(t, ProcessorConfig{AuthToken: "s3cret"}, provider)

	_, err := p.Process(context.Background(), "host-a.example.com", "wrong", "127.0.0.1")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
	if _, err := store.Get(context.Background(), "host-a.example.com"); !errors.Is(err, ErrHostNotFound) {
		t.Fatal("rejected registration must not create a host")
	}

	res, err := p.Process(context.Background(), "host-a.example.com", "s3cret", "127.0.0.1")
	if err != nil {
		t.Fatalf("Process with valid token: %v", err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeNew)
	}
}

func TestProcessor_DNSFailureMarksState(t *testing.T) {
	provider := newFakeProvider()
	provider.fail = &dns.ProviderError{Kind: dns.Rejected, Err: errors.New("refused")}
	p, store := newTestProcessor(t, ProcessorConfig{DNSEnabled: true, DefaultZone: "example.com"}, provider)

	if _, err := p.Process(context.Background(), "host-a.example.com", "", "127.0.0.1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	waitEnsure(t, provider)
	waitDNSState(t, store, "host-a.example.com", DNSFailed)

	h, _ := store.Get(context.Background(), "host-a.example.com")
	if h.DNSLastError == "" {
		t.Fatal("dns_last_error should record the provider failure")
	}
	// Registration itself succeeded despite the propagation failure.
	if h.Status != StatusOnline {
		t.Fatalf("status = %q, want online", h.Status)
	}
}

func TestProcessor_DNSDisabledNeverCallsProvider(t *testing.T) {
	provider := newFakeProvider()
	p, _ := newTestProcessor(t, ProcessorConfig{DNSEnabled: false}, provider)

	if _, err := p.Process(context.Background(), "host-a.example.com", "", "127.0.0.1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := provider.callCount(); got != 0 {
		t.Fatalf("provider calls = %d, want 0", got)
	}
}

func waitDNSState(t *testing.T, store *MemoryStore, hostname string, want DNSSyncState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, err := store.Get(context.Background(), hostname)
		if err == nil && h.DNSSyncState == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("host %q never reached dns state %q", hostname, want)
}
