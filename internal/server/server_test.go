package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/dns"
	"github.com/prismhq/prism/internal/events"
	"github.com/prismhq/prism/internal/protocol"
	"github.com/prismhq/prism/internal/registry"
	"github.com/prismhq/prism/internal/stats"
	"github.com/prismhq/prism/internal/validation"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func startTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *registry.MemoryStore) {
	t.Helper()

	cfg := config.ServerConfig{
		Host:                    "127.0.0.1",
		TCPPort:                 0,
		MaxConnections:          16,
		ConnectionTimeout:       2 * time.Second,
		GracefulShutdownTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	proto := config.ProtocolConfig{
		MaxMessageSize: protocol.DefaultMaxMessageSize,
		MaxBufferSize:  protocol.DefaultMaxBufferSize,
	}

	store := registry.NewMemoryStore()
	proc := registry.NewProcessor(registry.ProcessorConfig{}, store, dns.Disabled{}, events.NewBus(), nil, discard())
	proc.Start(context.Background())
	t.Cleanup(proc.Stop)

	srv := New(cfg, proto, validation.New(discard()), proc, stats.NewCollector(), discard())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, store
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func encodeRegister(t *testing.T, hostname string) []byte {
	t.Helper()
	enc := protocol.NewEncoder(0)
	frame, err := enc.Encode(protocol.NewRegisterMessage(hostname, ""))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frame
}

// respReader decodes response frames from a connection. One read can
// deliver more than one frame; undelivered messages are buffered for the
// next call.
type respReader struct {
	conn    net.Conn
	dec     *protocol.Decoder
	pending []json.RawMessage
}

func newRespReader(conn net.Conn) *respReader {
	return &respReader{conn: conn, dec: protocol.NewDecoder(0, 0)}
}

func (r *respReader) next(t *testing.T) *protocol.Response {
	t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for len(r.pending) == 0 {
		n, err := r.conn.Read(buf)
		if n > 0 {
			msgs, ferr := r.dec.Feed(buf[:n])
			if ferr != nil {
				t.Fatalf("client decode: %v", ferr)
			}
			r.pending = append(r.pending, msgs...)
			continue
		}
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
	}
	raw := r.pending[0]
	r.pending = r.pending[1:]
	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return &resp
}

func TestServer_NewRegistration(t *testing.T) {
	srv, store := startTestServer(t, nil)
	conn := dialServer(t, srv)
	rr := newRespReader(conn)

	if _, err := conn.Write(encodeRegister(t, "host-a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := rr.next(t)
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", resp.Status, resp.Message)
	}

	h, err := store.Get(context.Background(), "host-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.CurrentIP != "127.0.0.1" {
		t.Fatalf("current_ip = %q, want 127.0.0.1", h.CurrentIP)
	}
	if h.Status != registry.StatusOnline {
		t.Fatalf("status = %q, want online", h.Status)
	}
	if !h.FirstSeen.Equal(h.LastSeen) {
		t.Fatalf("first_seen %v != last_seen %v on first registration", h.FirstSeen, h.LastSeen)
	}
}

func TestServer_PartialFrame(t *testing.T) {
	srv, store := startTestServer(t, nil)
	conn := dialServer(t, srv)
	rr := newRespReader(conn)

	frame := encodeRegister(t, "host-b")
	half := len(frame) / 2

	if _, err := conn.Write(frame[:half]); err != nil {
		t.Fatalf("write first half: %v", err)
	}

	// No response and no state change until the frame completes.
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	probe := make([]byte, 1)
	if _, err := conn.Read(probe); err == nil {
		t.Fatal("server responded to an incomplete frame")
	} else {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Fatalf("probe read: %v", err)
		}
	}
	if _, err := store.Get(context.Background(), "host-b"); !errors.Is(err, registry.ErrHostNotFound) {
		t.Fatal("host created from an incomplete frame")
	}

	if _, err := conn.Write(frame[half:]); err != nil {
		t.Fatalf("write second half: %v", err)
	}
	resp := rr.next(t)
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", resp.Status, resp.Message)
	}
	if _, err := store.Get(context.Background(), "host-b"); err != nil {
		t.Fatalf("host-b not created: %v", err)
	}
}

func TestServer_TwoFramesOneWrite(t *testing.T) {
	srv, store := startTestServer(t, nil)
	conn := dialServer(t, srv)
	rr := newRespReader(conn)

	chunk := append(encodeRegister(t, "host-c"), encodeRegister(t, "host-d")...)
	if _, err := conn.Write(chunk); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i := 0; i < 2; i++ {
		resp := rr.next(t)
		if resp.Status != protocol.StatusSuccess {
			t.Fatalf("response %d: status = %q (%s)", i, resp.Status, resp.Message)
		}
	}
	for _, name := range []string{"host-c", "host-d"} {
		if _, err := store.Get(context.Background(), name); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
}

func TestServer_InvalidHostnameKeepsConnection(t *testing.T) {
	srv, store := startTestServer(t, nil)
	conn := dialServer(t, srv)
	rr := newRespReader(conn)

	if _, err := conn.Write(encodeRegister(t, "-bad-")); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	resp := rr.next(t)
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want error", resp.Status)
	}

	// The same connection still serves a valid registration.
	if _, err := conn.Write(encodeRegister(t, "host-a")); err != nil {
		t.Fatalf("write valid: %v", err)
	}
	resp = rr.next(t)
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", resp.Status, resp.Message)
	}
	if _, err := store.Get(context.Background(), "host-a"); err != nil {
		t.Fatalf("host-a not created: %v", err)
	}
}

func TestServer_UnsupportedVersionKeepsConnection(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := dialServer(t, srv)
	rr := newRespReader(conn)

	msg := protocol.NewRegisterMessage("host-a", "")
	msg.Version = "2.0"
	enc := protocol.NewEncoder(0)
	frame, err := enc.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := rr.next(t)
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want error", resp.Status)
	}

	if _, err := conn.Write(encodeRegister(t, "host-a")); err != nil {
		t.Fatalf("write valid: %v", err)
	}
	if resp := rr.next(t); resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", resp.Status, resp.Message)
	}
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := dialServer(t, srv)
	rr := newRespReader(conn)

	// Length prefix past the frame cap.
	prefix := []byte{0x00, 0x10, 0x00, 0x01}
	if _, err := conn.Write(prefix); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := rr.next(t)
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want error", resp.Status)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("connection still open after frame error")
	}
}

func TestServer_AtCapacityRejects(t *testing.T) {
	srv, _ := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxConnections = 1
	})

	first := dialServer(t, srv)
	defer first.Close()
	waitActive(t, srv, 1)

	second := dialServer(t, srv)
	rr := newRespReader(second)
	resp := rr.next(t)
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want error", resp.Status)
	}

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("rejected connection was left open")
	}
}

func TestServer_AtCapacityRejectsConcurrently(t *testing.T) {
	srv, _ := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxConnections = 1
	})

	first := dialServer(t, srv)
	defer first.Close()
	waitActive(t, srv, 1)

	// Several over-capacity dials at once: each gets its own rejection
	// without serializing the accept loop behind any one of them.
	const extras = 3
	conns := make([]net.Conn, extras)
	for i := range conns {
		conns[i] = dialServer(t, srv)
	}
	for i, c := range conns {
		rr := newRespReader(c)
		if resp := rr.next(t); resp.Status != protocol.StatusError {
			t.Fatalf("rejected conn %d: status = %q, want error", i, resp.Status)
		}
	}

	// Freeing the slot lets the next dial through.
	first.Close()
	waitActive(t, srv, 0)
	conn := dialServer(t, srv)
	rr := newRespReader(conn)
	if _, err := conn.Write(encodeRegister(t, "host-e")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := rr.next(t); resp.Status != protocol.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", resp.Status, resp.Message)
	}
}

func TestServer_StopRefusesNewConnections(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	addr := srv.Addr().String()

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatal("server accepted a connection after Stop")
	}
}

func TestServer_LastWriterWins(t *testing.T) {
	srv, store := startTestServer(t, nil)

	for i := 0; i < 3; i++ {
		conn := dialServer(t, srv)
		rr := newRespReader(conn)
		if _, err := conn.Write(encodeRegister(t, "host-a")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if resp := rr.next(t); resp.Status != protocol.StatusSuccess {
			t.Fatalf("registration %d: %q (%s)", i, resp.Status, resp.Message)
		}
		conn.Close()
	}

	h, err := store.Get(context.Background(), "host-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.CurrentIP != "127.0.0.1" {
		t.Fatalf("current_ip = %q, want 127.0.0.1", h.CurrentIP)
	}
}

func waitActive(t *testing.T, srv *Server, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ActiveConnections() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("active connections never reached %d", want)
}
