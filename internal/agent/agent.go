// Package agent implements the heartbeat client: a loop that registers
// the local hostname with a prism server at a fixed interval.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prismhq/prism/internal/protocol"
)

const maxDialBackoff = 60 * time.Second

// Config holds the agent settings.
type Config struct {
	// ServerAddr is the host:port of the prism server.
	ServerAddr string
	// Hostname overrides the OS hostname. Empty means autodetect.
	Hostname string
	// AuthToken is sent with every registration when set.
	AuthToken string
	// Interval between heartbeats. Zero means 60 seconds.
	Interval time.Duration
	// DialTimeout bounds each connection attempt. Zero means 10 seconds.
	DialTimeout time.Duration
	// ResponseTimeout bounds the wait for the server reply. Zero means 10
	// seconds.
	ResponseTimeout time.Duration
}

// Agent sends one registration per tick over a fresh connection. Send
// failures are logged and swallowed; consecutive dial failures back off
// exponentially up to one minute before the next attempt.
type Agent struct {
	cfg      Config
	hostname string
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent. It does nothing until Start.
func New(cfg Config, logger *slog.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = detectHostname()
	}
	return &Agent{
		cfg:      cfg,
		hostname: SanitizeHostname(hostname),
		logger:   logger,
	}
}

// Hostname returns the name the agent registers.
func (a *Agent) Hostname() string { return a.hostname }

// Start launches the heartbeat loop. Calling Start on a running agent is
// a no-op.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.run(ctx)
	a.logger.Info("agent started",
		slog.String("server", a.cfg.ServerAddr),
		slog.String("hostname", a.hostname),
		slog.Duration("interval", a.cfg.Interval))
}

// Stop halts the loop and waits for an in-flight send to finish.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.cancel = nil
	a.logger.Info("agent stopped")
}

func (a *Agent) run(ctx context.Context) {
	defer a.wg.Done()

	failures := 0
	for {
		if err := a.sendOnce(ctx); err != nil {
			failures++
			a.logger.Warn("heartbeat failed",
				slog.String("server", a.cfg.ServerAddr),
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()))
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.nextDelay(failures)):
		}
	}
}

// nextDelay is the heartbeat interval after a success and an exponential
// backoff starting at one second after consecutive failures.
func (a *Agent) nextDelay(failures int) time.Duration {
	if failures == 0 {
		return a.cfg.Interval
	}
	backoff := maxDialBackoff
	if failures <= 6 {
		backoff = time.Second << (failures - 1)
	}
	if backoff > a.cfg.Interval {
		backoff = a.cfg.Interval
	}
	return backoff
}

// sendOnce dials, registers, awaits the reply and closes the connection.
func (a *Agent) sendOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("agent: dial: %w", err)
	}
	defer conn.Close()

	enc := protocol.NewEncoder(0)
	frame, err := enc.Encode(protocol.NewRegisterMessage(a.hostname, a.cfg.AuthToken))
	if err != nil {
		return fmt.Errorf("agent: encode registration: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(a.cfg.ResponseTimeout)); err != nil {
		return fmt.Errorf("agent: set write deadline: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("agent: write registration: %w", err)
	}

	resp, err := a.readResponse(conn)
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusSuccess {
		return fmt.Errorf("agent: server rejected registration: %s", resp.Message)
	}
	a.logger.Debug("heartbeat acknowledged",
		slog.String("hostname", a.hostname),
		slog.String("message", resp.Message))
	return nil
}

func (a *Agent) readResponse(conn net.Conn) (*protocol.Response, error) {
	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ResponseTimeout)); err != nil {
		return nil, fmt.Errorf("agent: set read deadline: %w", err)
	}

	dec := protocol.NewDecoder(0, 0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			raws, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				return nil, fmt.Errorf("agent: decode response: %w", ferr)
			}
			if len(raws) > 0 {
				resp, perr := protocol.ParseResponse(raws[0])
				if perr != nil {
					return nil, fmt.Errorf("agent: parse response: %w", perr)
				}
				return resp, nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("agent: read response: %w", err)
		}
	}
}

// detectHostname asks the OS and falls back to a generated name when that
// fails or comes back empty.
func detectHostname() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fmt.Sprintf("prism-client-%d-%04d", time.Now().Unix(), rand.Intn(10000))
}

// SanitizeHostname lowercases the name and replaces anything outside
// letters, digits, dots and hyphens so locally configured names survive
// server-side validation.
func SanitizeHostname(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), ".-")
}
