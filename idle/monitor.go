// Package idle detects user inactivity. A recurring check compares elapsed
// idle time against a timeout and a pre-expiry warning threshold and fires
// the corresponding callback.
package idle

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config sets the idle-timeout policy
type Config struct {
	// Timeout is the idle duration after which the session ends
	Timeout time.Duration

	// WarningLead is how far ahead of the timeout the warning fires
	WarningLead time.Duration

	// CheckInterval is how often idleness is evaluated
	CheckInterval time.Duration

	// OnWarning fires once per warning band entry
	OnWarning func()

	// OnTimeout fires once, after which the monitor stops itself
	OnTimeout func()
}

// Monitor tracks last-observed activity while a session is live. It runs
// only between Start and Stop; outside that window it is inert.
type Monitor struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu           sync.Mutex
	running      bool
	lastActivity time.Time
	warned       bool
	stopCh       chan struct{}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the monitor's logger
func WithLogger(log zerolog.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

// WithNowFunc overrides the clock (for tests)
func WithNowFunc(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a Monitor. Callbacks are invoked from the monitor's own
// goroutine, never with internal locks held.
func NewMonitor(cfg Config, options ...Option) *Monitor {
	m := &Monitor{
		cfg: cfg,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Start begins idle tracking with a fresh activity baseline. Starting an
// already-running monitor resets it.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.stopLocked()
	}
	m.running = true
	m.lastActivity = m.now()
	m.warned = false
	stop := make(chan struct{})
	m.stopCh = stop
	m.mu.Unlock()

	go m.run(stop)
}

// Stop halts idle tracking and cancels the pending recurring check. Safe to
// call repeatedly and from callback paths.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.stopCh = nil
}

// RecordActivity refreshes the activity baseline and leaves the warning
// band. O(1), no I/O; callable on every user input.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.lastActivity = m.now()
	m.warned = false
}

// Running reports whether the monitor is currently tracking
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.check(stop) {
				return
			}
		}
	}
}

// check evaluates elapsed idle time. It returns true when the session timed
// out and the monitor should stop.
func (m *Monitor) check(stop chan struct{}) bool {
	m.mu.Lock()
	if !m.running || m.stopCh != stop {
		m.mu.Unlock()
		return true
	}
	elapsed := m.now().Sub(m.lastActivity)

	var fire func()
	timedOut := false
	switch {
	case elapsed >= m.cfg.Timeout:
		// Terminal: no further warnings or timeouts for this session.
		m.running = false
		m.stopCh = nil
		fire = m.cfg.OnTimeout
		timedOut = true
	case elapsed >= m.cfg.Timeout-m.cfg.WarningLead && !m.warned:
		m.warned = true
		fire = m.cfg.OnWarning
	}
	m.mu.Unlock()

	if fire != nil {
		if timedOut {
			m.log.Info().Dur("elapsed", elapsed).Msg("idle timeout reached")
		} else {
			m.log.Info().Dur("elapsed", elapsed).Msg("idle warning threshold reached")
		}
		fire()
	}
	return timedOut
}
