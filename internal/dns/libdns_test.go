package dns

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/libdns/libdns"
)

// fakeBackend is an in-memory libdns backend.
type fakeBackend struct {
	records map[string][]libdns.Record // zone -> records
	getErr  error
	setErr  error
	delErr  error
	sets    int
	deletes int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string][]libdns.Record)}
}

func (f *fakeBackend) GetRecords(ctx context.Context, zone string) ([]libdns.Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return append([]libdns.Record(nil), f.records[zone]...), nil
}

func (f *fakeBackend) SetRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	if f.setErr != nil {
		return nil, f.setErr
	}
	f.sets++
	for _, rec := range recs {
		replaced := false
		for i, existing := range f.records[zone] {
			if existing.Name == rec.Name && existing.Type == rec.Type {
				f.records[zone][i] = rec
				replaced = true
			}
		}
		if !replaced {
			f.records[zone] = append(f.records[zone], rec)
		}
	}
	return recs, nil
}

func (f *fakeBackend) DeleteRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	if f.delErr != nil {
		return nil, f.delErr
	}
	f.deletes++
	var kept []libdns.Record
	for _, existing := range f.records[zone] {
		doomed := false
		for _, rec := range recs {
			if existing.Name == rec.Name && existing.Type == rec.Type {
				doomed = true
			}
		}
		if !doomed {
			kept = append(kept, existing)
		}
	}
	f.records[zone] = kept
	return recs, nil
}

func TestLibDNS_EnsureCreatesARecord(t *testing.T) {
	backend := newFakeBackend()
	p := NewLibDNS(backend, time.Second)

	res, err := p.EnsureRecord(context.Background(), "host-a", "example.com", "127.0.0.1", time.Minute)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if res != Created {
		t.Errorf("got result %q, want created", res)
	}
	recs := backend.records["example.com."]
	if len(recs) != 1 || recs[0].Type != "A" || recs[0].Value != "127.0.0.1" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestLibDNS_EnsureSelectsAAAAForIPv6(t *testing.T) {
	backend := newFakeBackend()
	p := NewLibDNS(backend, time.Second)

	if _, err := p.EnsureRecord(context.Background(), "host-a", "example.com", "2001:db8::1", time.Minute); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	recs := backend.records["example.com."]
	if len(recs) != 1 || recs[0].Type != "AAAA" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestLibDNS_EnsureIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	p := NewLibDNS(backend, time.Second)
	ctx := context.Background()

	p.EnsureRecord(ctx, "host-a", "example.com", "127.0.0.1", time.Minute)
	res, err := p.EnsureRecord(ctx, "host-a", "example.com", "127.0.0.1", time.Minute)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if res != Unchanged {
		t.Errorf("got result %q, want unchanged", res)
	}
	if backend.sets != 1 {
		t.Errorf("unchanged ensure wrote to the backend (%d sets)", backend.sets)
	}
}

func TestLibDNS_EnsureUpdatesChangedIP(t *testing.T) {
	backend := newFakeBackend()
	p := NewLibDNS(backend, time.Second)
	ctx := context.Background()

	p.EnsureRecord(ctx, "host-a", "example.com", "127.0.0.1", time.Minute)
	res, err := p.EnsureRecord(ctx, "host-a", "example.com", "10.0.0.5", time.Minute)
	if err != nil {
		t.Fatalf("update ensure failed: %v", err)
	}
	if res != Updated {
		t.Errorf("got result %q, want updated", res)
	}
	recs := backend.records["example.com."]
	if len(recs) != 1 || recs[0].Value != "10.0.0.5" {
		t.Errorf("record not updated: %+v", recs)
	}
}

func TestLibDNS_DeleteRecord(t *testing.T) {
	backend := newFakeBackend()
	p := NewLibDNS(backend, time.Second)
	ctx := context.Background()

	p.EnsureRecord(ctx, "host-a", "example.com", "127.0.0.1", time.Minute)

	res, err := p.DeleteRecord(ctx, "host-a", "example.com")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if res != Deleted {
		t.Errorf("got result %q, want deleted", res)
	}

	res, err = p.DeleteRecord(ctx, "host-a", "example.com")
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if res != Absent {
		t.Errorf("got result %q, want absent", res)
	}
}

func TestLibDNS_RejectsInvalidIP(t *testing.T) {
	p := NewLibDNS(newFakeBackend(), time.Second)
	_, err := p.EnsureRecord(context.Background(), "host-a", "example.com", "not-an-ip", time.Minute)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != Rejected {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("rejected error reported as retryable")
	}
}

func TestLibDNS_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{fmt.Errorf("tsig verification failed"), AuthFailed},
		{fmt.Errorf("no such zone"), ZoneMissing},
		{fmt.Errorf("update refused"), Rejected},
		{fmt.Errorf("connection reset by peer"), Transient},
	}
	for _, tt := range tests {
		backend := newFakeBackend()
		backend.getErr = tt.err
		p := NewLibDNS(backend, time.Second)

		_, err := p.EnsureRecord(context.Background(), "h", "example.com", "127.0.0.1", time.Minute)
		var pe *ProviderError
		if !errors.As(err, &pe) || pe.Kind != tt.kind {
			t.Errorf("error %q classified as %v, want %v", tt.err, err, tt.kind)
		}
	}
}

func TestDisabled_IsNoOp(t *testing.T) {
	var p Provider = Disabled{}
	ctx := context.Background()

	res, err := p.EnsureRecord(ctx, "h", "z", "127.0.0.1", time.Minute)
	if err != nil || res != Unchanged {
		t.Errorf("ensure: got (%v, %v)", res, err)
	}
	del, err := p.DeleteRecord(ctx, "h", "z")
	if err != nil || del != Absent {
		t.Errorf("delete: got (%v, %v)", del, err)
	}
	ok, err := p.ZoneExists(ctx, "z")
	if err != nil || !ok {
		t.Errorf("zone: got (%v, %v)", ok, err)
	}
}
