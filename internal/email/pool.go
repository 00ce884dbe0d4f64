package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/metrics"
)

// Pool errors.
var (
	ErrPoolExhausted = errors.New("email: smtp pool exhausted")
	ErrPoolClosed    = errors.New("email: smtp pool closed")
)

const poolPollInterval = 100 * time.Millisecond

// smtpSession is the slice of *smtp.Client the pool needs, split out so
// tests can substitute a fake transport.
type smtpSession interface {
	Noop() error
	Mail(from string, opts *smtp.MailOptions) error
	Rcpt(to string, opts *smtp.RcptOptions) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

var _ smtpSession = (*smtp.Client)(nil)

// poolEntry is one pooled authenticated session.
type poolEntry struct {
	session   smtpSession
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
}

// healthy reports whether the entry can be reused: the server still answers
// NOOP and the idle age is within bounds.
func (e *poolEntry) healthy(now time.Time, maxIdle time.Duration) bool {
	if now.Sub(e.lastUsed) > maxIdle {
		return false
	}
	return e.session.Noop() == nil
}

// dialFunc opens, negotiates, and authenticates one SMTP session.
type dialFunc func(ctx context.Context) (smtpSession, error)

// Pool is a bounded pool of authenticated SMTP sessions.
type Pool struct {
	cfg  config.PoolConfig
	dial dialFunc

	mu      sync.Mutex
	entries []*poolEntry
	closed  bool
	now     func() time.Time
}

// NewPool creates a pool that dials per the SMTP configuration.
func NewPool(smtpCfg config.SMTPConfig) *Pool {
	return newPool(smtpCfg.Pool, dialerFor(smtpCfg))
}

func newPool(cfg config.PoolConfig, dial dialFunc) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 300 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	return &Pool{cfg: cfg, dial: dial, now: time.Now}
}

// dialerFor builds the connect → STARTTLS/SSL → authenticate sequence for
// real servers.
func dialerFor(cfg config.SMTPConfig) dialFunc {
	return func(ctx context.Context) (smtpSession, error) {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &TransportError{Code: CodeTransportFailure, Transient: true, Err: err}
		}

		if cfg.UseSSL {
			conn = tls.Client(conn, &tls.Config{ServerName: cfg.Host})
		}

		cl := smtp.NewClient(conn)

		if cfg.UseTLS && !cfg.UseSSL {
			if err := cl.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				cl.Close()
				return nil, &TransportError{Code: CodeTransportFailure, Transient: true, Err: err}
			}
		}

		if cfg.Username != "" {
			if err := cl.Auth(sasl.NewLoginClient(cfg.Username, cfg.Password)); err != nil {
				if plainErr := cl.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); plainErr != nil {
					cl.Close()
					return nil, &TransportError{Code: CodeProviderRejected, Err: err}
				}
			}
		}
		return cl, nil
	}
}

// Acquire returns a healthy session, dialing a new one when the pool has
// room, or waiting up to the acquire timeout otherwise.
func (p *Pool) Acquire(ctx context.Context) (smtpSession, error) {
	deadline := p.now().Add(p.cfg.AcquireTimeout)
	for {
		session, err := p.tryAcquire(ctx)
		if err == nil {
			metrics.SMTPPoolInUse.Inc()
			return session, nil
		}
		if !errors.Is(err, ErrPoolExhausted) {
			return nil, err
		}
		if p.now().After(deadline) {
			return nil, ErrPoolExhausted
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poolPollInterval):
		}
	}
}

func (p *Pool) tryAcquire(ctx context.Context) (smtpSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	now := p.now()

	// Reuse an idle healthy entry, dropping dead ones along the way.
	kept := p.entries[:0]
	var found *poolEntry
	for _, e := range p.entries {
		if e.inUse {
			kept = append(kept, e)
			continue
		}
		if found == nil && e.healthy(now, p.cfg.MaxIdleTime) {
			found = e
			kept = append(kept, e)
			continue
		}
		e.session.Close()
	}
	p.entries = kept

	if found != nil {
		found.inUse = true
		found.lastUsed = now
		p.mu.Unlock()
		return found.session, nil
	}

	if len(p.entries) >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}

	// Reserve the slot before dialing so concurrent acquires cannot
	// overshoot max_size.
	entry := &poolEntry{createdAt: now, lastUsed: now, inUse: true}
	p.entries = append(p.entries, entry)
	p.mu.Unlock()

	session, err := p.dial(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.remove(entry)
		return nil, err
	}
	if p.closed {
		p.remove(entry)
		session.Quit()
		return nil, ErrPoolClosed
	}
	entry.session = session
	return session, nil
}

// Release returns a session to the pool.
func (p *Pool) Release(session smtpSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.session == session {
			e.inUse = false
			e.lastUsed = p.now()
			metrics.SMTPPoolInUse.Dec()
			return
		}
	}
}

// Discard drops a broken session instead of returning it.
func (p *Pool) Discard(session smtpSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.session == session {
			p.remove(e)
			metrics.SMTPPoolInUse.Dec()
			session.Close()
			return
		}
	}
}

// Close quits every session and rejects further acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, e := range p.entries {
		if e.session != nil {
			e.session.Quit()
		}
	}
	p.entries = nil
}

// Size returns the number of pooled sessions, in use or idle.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) remove(target *poolEntry) {
	for i, e := range p.entries {
		if e == target {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}
