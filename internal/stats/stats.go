// Package stats keeps the server's runtime statistics: counters, bounded
// rolling windows and the health rollup. Everything is lock-protected; the
// Prometheus metrics in internal/metrics are updated alongside.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/prismhq/prism/internal/metrics"
)

// Window sizes and health thresholds.
const (
	recentErrorsCap    = 100
	processingCap      = 1000
	topSourcesCap      = 10
	degradedErrorRate  = 0.10
	degradedMeanProc   = 100 * time.Millisecond
	warningActiveConns = 500
)

// Health levels.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthDegraded = "degraded"
)

// ErrorRecord is one entry of the recent-errors ring.
type ErrorRecord struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	Time   time.Time `json:"time"`
}

// SourceCount is one entry of the by-source histogram.
type SourceCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

// Snapshot is a point-in-time copy of all statistics.
type Snapshot struct {
	Uptime            time.Duration    `json:"uptime"`
	ConnectionsOpened int64            `json:"connections_opened"`
	ConnectionsClosed int64            `json:"connections_closed"`
	ConnectionsActive int64            `json:"connections_active"`
	TopSources        []SourceCount    `json:"top_sources"`
	MessagesReceived  int64            `json:"messages_received"`
	MessagesSent      int64            `json:"messages_sent"`
	MessagesByType    map[string]int64 `json:"messages_by_type"`
	ErrorsByKind      map[string]int64 `json:"errors_by_kind"`
	RecentErrors      []ErrorRecord    `json:"recent_errors"`
	Processing        ProcessingStats  `json:"processing"`
	Health            string           `json:"health"`
}

// ProcessingStats summarizes the processing-time sample ring.
type ProcessingStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	Sum   time.Duration `json:"sum"`
}

// Collector accumulates server statistics.
type Collector struct {
	mu        sync.Mutex
	startTime time.Time

	connectionsOpened int64
	connectionsClosed int64
	connectionsActive int64
	bySource          map[string]int64

	messagesReceived int64
	messagesSent     int64
	messagesByType   map[string]int64

	errorsByKind map[string]int64
	recentErrors []ErrorRecord // ring, newest last
	errorTotal   int64

	procSamples []time.Duration // ring
	procNext    int
	procFilled  bool

	dnsHealthy bool
}

// NewCollector creates a Collector with the clock started.
func NewCollector() *Collector {
	return &Collector{
		startTime:      time.Now(),
		bySource:       make(map[string]int64),
		messagesByType: make(map[string]int64),
		errorsByKind:   make(map[string]int64),
		procSamples:    make([]time.Duration, processingCap),
		dnsHealthy:     true,
	}
}

// ConnectionOpened records an accepted connection from ip.
func (c *Collector) ConnectionOpened(ip string) {
	c.mu.Lock()
	c.connectionsOpened++
	c.connectionsActive++
	c.bySource[ip]++
	c.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
}

// ConnectionClosed records a finished connection and its lifetime.
func (c *Collector) ConnectionClosed(duration time.Duration, messages int64) {
	c.mu.Lock()
	c.connectionsClosed++
	if c.connectionsActive > 0 {
		c.connectionsActive--
	}
	c.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	metrics.ConnectionDuration.Observe(duration.Seconds())
}

// ConnectionRejected records an admission-control refusal.
func (c *Collector) ConnectionRejected() {
	c.RecordError("server_at_capacity", "connection refused: server at capacity")
	metrics.ConnectionsRejected.Inc()
}

// MessageReceived records one inbound message of the given type.
func (c *Collector) MessageReceived(msgType string) {
	c.mu.Lock()
	c.messagesReceived++
	c.messagesByType[msgType]++
	c.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("in", msgType).Inc()
}

// MessageSent records one outbound message of the given type.
func (c *Collector) MessageSent(msgType string) {
	c.mu.Lock()
	c.messagesSent++
	c.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("out", msgType).Inc()
}

// RecordError records an error of the given kind.
func (c *Collector) RecordError(kind, detail string) {
	c.mu.Lock()
	c.errorsByKind[kind]++
	c.errorTotal++
	c.recentErrors = append(c.recentErrors, ErrorRecord{Kind: kind, Detail: detail, Time: time.Now()})
	if len(c.recentErrors) > recentErrorsCap {
		c.recentErrors = c.recentErrors[len(c.recentErrors)-recentErrorsCap:]
	}
	c.mu.Unlock()

	metrics.ErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveProcessing records one message-processing duration.
func (c *Collector) ObserveProcessing(d time.Duration) {
	c.mu.Lock()
	c.procSamples[c.procNext] = d
	c.procNext++
	if c.procNext == len(c.procSamples) {
		c.procNext = 0
		c.procFilled = true
	}
	c.mu.Unlock()

	metrics.ProcessingDuration.Observe(d.Seconds())
}

// SetDNSHealthy records the DNS provider liveness for the health rollup.
func (c *Collector) SetDNSHealthy(ok bool) {
	c.mu.Lock()
	c.dnsHealthy = ok
	c.mu.Unlock()
}

// ActiveConnections returns the live connection count.
func (c *Collector) ActiveConnections() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionsActive
}

// Snapshot returns a copy of all statistics plus the health rollup.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime),
		ConnectionsOpened: c.connectionsOpened,
		ConnectionsClosed: c.connectionsClosed,
		ConnectionsActive: c.connectionsActive,
		MessagesReceived:  c.messagesReceived,
		MessagesSent:      c.messagesSent,
		MessagesByType:    make(map[string]int64, len(c.messagesByType)),
		ErrorsByKind:      make(map[string]int64, len(c.errorsByKind)),
		RecentErrors:      append([]ErrorRecord(nil), c.recentErrors...),
		Processing:        c.processingLocked(),
	}
	for k, v := range c.messagesByType {
		s.MessagesByType[k] = v
	}
	for k, v := range c.errorsByKind {
		s.ErrorsByKind[k] = v
	}

	sources := make([]SourceCount, 0, len(c.bySource))
	for ip, n := range c.bySource {
		sources = append(sources, SourceCount{IP: ip, Count: n})
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Count != sources[j].Count {
			return sources[i].Count > sources[j].Count
		}
		return sources[i].IP < sources[j].IP
	})
	if len(sources) > topSourcesCap {
		sources = sources[:topSourcesCap]
	}
	s.TopSources = sources

	s.Health = c.healthLocked(s.Processing)
	return s
}

// Health returns the current health rollup.
func (c *Collector) Health() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthLocked(c.processingLocked())
}

func (c *Collector) processingLocked() ProcessingStats {
	n := c.procNext
	if c.procFilled {
		n = len(c.procSamples)
	}
	if n == 0 {
		return ProcessingStats{}
	}
	ps := ProcessingStats{Count: int64(n), Min: c.procSamples[0]}
	for i := 0; i < n; i++ {
		d := c.procSamples[i]
		ps.Sum += d
		if d < ps.Min {
			ps.Min = d
		}
		if d > ps.Max {
			ps.Max = d
		}
	}
	ps.Mean = ps.Sum / time.Duration(n)
	return ps
}

func (c *Collector) healthLocked(proc ProcessingStats) string {
	if c.messagesReceived > 0 {
		rate := float64(c.errorTotal) / float64(c.messagesReceived)
		if rate > degradedErrorRate {
			return HealthDegraded
		}
	}
	if proc.Count > 0 && proc.Mean > degradedMeanProc {
		return HealthDegraded
	}
	if c.connectionsActive > warningActiveConns {
		return HealthWarning
	}
	if !c.dnsHealthy {
		return HealthWarning
	}
	return HealthHealthy
}
