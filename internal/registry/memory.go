package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory HostStore used when no database is
// configured, and the store double in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	hosts map[string]*Host

	now func() time.Time // overridable for tests
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hosts: make(map[string]*Host),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, hostname string) (*Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return nil, ErrHostNotFound
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) Create(ctx context.Context, hostname, ip, zone string) (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[hostname]; ok {
		return nil, ErrHostExists
	}
	now := s.now().UTC()
	h := &Host{
		Hostname:     hostname,
		CurrentIP:    ip,
		FirstSeen:    now,
		LastSeen:     now,
		Status:       StatusOnline,
		DNSZone:      zone,
		DNSSyncState: DNSPending,
	}
	s.hosts[hostname] = h
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) UpdateIP(ctx context.Context, hostname, newIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return ErrHostNotFound
	}
	h.CurrentIP = newIP
	h.LastSeen = s.now().UTC()
	h.Status = StatusOnline
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return ErrHostNotFound
	}
	h.LastSeen = s.now().UTC()
	h.Status = StatusOnline
	return nil
}

func (s *MemoryStore) MarkOffline(ctx context.Context, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return ErrHostNotFound
	}
	h.Status = StatusOffline
	return nil
}

func (s *MemoryStore) ListStale(ctx context.Context, notSeenSince time.Time) ([]*Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*Host
	for _, h := range s.hosts {
		if h.Status == StatusOnline && h.LastSeen.Before(notSeenSince) {
			copy := *h
			stale = append(stale, &copy)
		}
	}
	return stale, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		copy := *h
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeen.After(out[j].FirstSeen)
	})
	return out, nil
}

func (s *MemoryStore) SetDNSState(ctx context.Context, hostname string, state DNSSyncState, dnsError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return ErrHostNotFound
	}
	h.DNSSyncState = state
	h.DNSLastError = dnsError
	return nil
}
