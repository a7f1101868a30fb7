// Package session implements the authenticated-session state machine and
// the wire client for the auth endpoints it drives.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cliniqa/go-emr-session/credentials"
	"github.com/cliniqa/go-emr-session/events"
	"github.com/cliniqa/go-emr-session/idle"
	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
	"github.com/cliniqa/go-emr-session/renewal"
)

// State is the externally observable session state
type State string

const (
	// StateAnonymous means no login has happened (or the last session ended)
	StateAnonymous State = "anonymous"

	// StateAwaitingMFA means a login passed password verification and waits
	// for a second factor
	StateAwaitingMFA State = "awaiting_mfa"

	// StateAuthenticated means a credential pair and principal are live
	StateAuthenticated State = "authenticated"

	// StateWarning means the session is authenticated but inside the
	// pre-expiry warning band
	StateWarning State = "session_warning"

	// StateExpired is a sink: the session ended without an explicit logout
	// and only exits through Acknowledge
	StateExpired State = "expired"
)

// Machine owns the session aggregate. It is the only component that writes
// session state; the store, coordinator, monitor and gateway serve it.
type Machine struct {
	api         AuthAPI
	creds       *credentials.Store
	coordinator *renewal.Coordinator
	monitor     *idle.Monitor
	publisher   events.Publisher

	// onExpired is the single, idempotent "please log in again" side effect.
	// It fires at most once per session instance, however many concurrent
	// requests fail while the session dies.
	onExpired func()

	log zerolog.Logger

	mu              sync.Mutex
	state           State
	mfaToken        string
	mfaMethods      []string
	expiredNotified bool
}

// MonitorConfig is the idle-timeout policy for the machine's monitor
type MonitorConfig struct {
	IdleTimeout   time.Duration
	WarningLead   time.Duration
	CheckInterval time.Duration
}

// MachineOption configures a Machine
type MachineOption func(*Machine)

// WithEventPublisher wires a lifecycle event publisher
func WithEventPublisher(publisher events.Publisher) MachineOption {
	return func(m *Machine) {
		m.publisher = publisher
	}
}

// WithExpiredFunc registers the redirect-to-login side effect
func WithExpiredFunc(fn func()) MachineOption {
	return func(m *Machine) {
		m.onExpired = fn
	}
}

// WithLogger sets the machine's logger
func WithLogger(log zerolog.Logger) MachineOption {
	return func(m *Machine) {
		m.log = log
	}
}

// NewMachine creates the session machine and wires its monitor and renewal
// coordinator. The machine starts in the anonymous state.
func NewMachine(api AuthAPI, creds *credentials.Store, cfg MonitorConfig, options ...MachineOption) (*Machine, error) {
	if api == nil {
		return nil, errors.New("[NewMachine] auth API is required")
	}
	if creds == nil {
		return nil, errors.New("[NewMachine] credential store is required")
	}
	if cfg.IdleTimeout <= 0 || cfg.CheckInterval <= 0 {
		return nil, errors.New("[NewMachine] idle timeout and check interval must be positive")
	}

	m := &Machine{
		api:   api,
		creds: creds,
		state: StateAnonymous,
		log:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}

	m.monitor = idle.NewMonitor(idle.Config{
		Timeout:       cfg.IdleTimeout,
		WarningLead:   cfg.WarningLead,
		CheckInterval: cfg.CheckInterval,
		OnWarning:     m.handleWarning,
		OnTimeout:     m.handleTimeout,
	}, idle.WithLogger(m.log))

	m.coordinator = renewal.NewCoordinator(creds, api.Refresh, renewal.WithLogger(m.log))
	m.coordinator.OnFailure(m.handleRenewalFailure)

	return m, nil
}

// Coordinator exposes the machine's renewal coordinator, for wiring a
// request gateway.
func (m *Machine) Coordinator() *renewal.Coordinator {
	return m.coordinator
}

// State returns the current session state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Principal returns the authenticated principal, if present
func (m *Machine) Principal() (credentials.Principal, bool) {
	return m.creds.Principal()
}

// MFAMethods returns the challenge methods offered with the outstanding MFA
// challenge, if any.
func (m *Machine) MFAMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.mfaMethods...)
}

// Login submits credentials. It either authenticates the session, or parks
// it awaiting a second factor. A login submitted while a challenge is
// already outstanding replaces that challenge; the orphaned token is
// discarded.
func (m *Machine) Login(ctx context.Context, email, password string) (LoginOutcome, error) {
	m.mu.Lock()
	if m.state != StateAnonymous && m.state != StateAwaitingMFA {
		m.mu.Unlock()
		return LoginOutcome{}, autherrors.ErrInvalidTransition
	}
	m.mu.Unlock()

	outcome, err := m.api.Login(ctx, email, password)
	if err != nil {
		// Local state is untouched; the caller shows a field-level error.
		return LoginOutcome{}, err
	}

	if outcome.MFARequired {
		m.mu.Lock()
		m.state = StateAwaitingMFA
		m.mfaToken = outcome.MFAToken
		m.mfaMethods = outcome.Methods
		m.mu.Unlock()

		m.publish(events.TypeMFAChallenge, "")
		m.log.Info().Str("email", email).Msg("login requires second factor")
		return outcome, nil
	}

	m.authenticate(outcome.Pair, outcome.Principal)
	m.log.Info().Str("principal", outcome.Principal.ID).Msg("login succeeded")
	return outcome, nil
}

// VerifyMFA completes an outstanding challenge with a one-time code. An
// incorrect code leaves the machine awaiting MFA for another attempt; how
// many attempts are tolerated is the server's policy.
func (m *Machine) VerifyMFA(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.state != StateAwaitingMFA {
		m.mu.Unlock()
		return autherrors.ErrInvalidTransition
	}
	mfaToken := m.mfaToken
	m.mu.Unlock()

	pair, principal, err := m.api.VerifyMFA(ctx, mfaToken, code)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.mfaToken = ""
	m.mfaMethods = nil
	m.mu.Unlock()

	m.authenticate(pair, principal)
	m.log.Info().Str("principal", principal.ID).Msg("mfa verified")
	return nil
}

// authenticate installs a fresh credential pair and principal and starts
// idle tracking.
func (m *Machine) authenticate(pair credentials.Pair, principal credentials.Principal) {
	m.creds.Set(pair, principal)

	m.mu.Lock()
	m.state = StateAuthenticated
	m.expiredNotified = false
	m.mu.Unlock()

	m.monitor.Start()
	m.publish(events.TypeLogin, principal.ID)
}

// RecordActivity notes user activity. In the warning band it also moves the
// session back to authenticated; outside a live session it does nothing.
func (m *Machine) RecordActivity() {
	m.mu.Lock()
	switch m.state {
	case StateWarning:
		m.state = StateAuthenticated
	case StateAuthenticated:
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.monitor.RecordActivity()
}

// StaySignedIn is the explicit "keep me signed in" action from the warning
// prompt. Same effect as recorded activity.
func (m *Machine) StaySignedIn() {
	m.RecordActivity()
}

// Logout ends the session locally and tells the server best-effort. The
// server call's failure is ignored; the local session is gone either way.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateAnonymous, StateExpired:
		m.mu.Unlock()
		return autherrors.ErrInvalidTransition
	}
	pair, hadPair := m.creds.Get()
	m.state = StateAnonymous
	m.mfaToken = ""
	m.mfaMethods = nil
	m.expiredNotified = false
	m.mu.Unlock()

	// Invalidate before clearing so a renewal settling from here on is
	// discarded rather than repopulating the store.
	m.coordinator.Invalidate()
	m.creds.Clear()
	m.monitor.Stop()
	m.publish(events.TypeLogout, "")

	if hadPair {
		if err := m.api.Logout(ctx, pair.AccessToken); err != nil {
			m.log.Warn().Err(err).Msg("server-side logout failed, ignoring")
		}
	}
	return nil
}

// Acknowledge moves an expired session back to anonymous once the user has
// been shown the way to the login screen.
func (m *Machine) Acknowledge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateExpired {
		return
	}
	m.state = StateAnonymous
	m.expiredNotified = false
}

// Restore rebuilds a session from persisted credentials at process start.
// The principal is not persisted; until the host supplies one via Hydrate,
// the session is authenticated with principal pending.
func (m *Machine) Restore(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.state != StateAnonymous {
		m.mu.Unlock()
		return false, autherrors.ErrInvalidTransition
	}
	m.mu.Unlock()

	_, ok, err := m.creds.Restore(ctx)
	if err != nil || !ok {
		return false, err
	}

	m.mu.Lock()
	m.state = StateAuthenticated
	m.expiredNotified = false
	m.mu.Unlock()

	m.monitor.Start()
	m.log.Info().Msg("session restored from storage")
	return true, nil
}

// Hydrate attaches the re-fetched principal after a restore
func (m *Machine) Hydrate(principal credentials.Principal) {
	m.creds.SetPrincipal(principal)
}

func (m *Machine) handleWarning() {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return
	}
	m.state = StateWarning
	m.mu.Unlock()

	m.publish(events.TypeWarning, "")
	m.log.Info().Msg("session approaching idle timeout")
}

func (m *Machine) handleTimeout() {
	if !m.expire() {
		return
	}
	m.publish(events.TypeTimeout, "")
	m.log.Info().Msg("session timed out")
}

// handleRenewalFailure runs after the coordinator has already cleared the
// store; every waiting caller then observes "no credential" rather than a
// half-cleared session.
func (m *Machine) handleRenewalFailure(err error) {
	if !m.expire() {
		return
	}
	m.publish(events.TypeExpired, "")
	m.log.Warn().Err(err).Msg("session expired after failed renewal")
}

// expire drives the machine into the expired sink. It reports whether this
// call performed the transition; losers of the race do nothing, which keeps
// the user-visible side effect single.
func (m *Machine) expire() bool {
	m.mu.Lock()
	switch m.state {
	case StateAuthenticated, StateWarning:
	default:
		m.mu.Unlock()
		return false
	}
	m.state = StateExpired
	m.mfaToken = ""
	m.mfaMethods = nil
	notify := !m.expiredNotified
	m.expiredNotified = true
	m.mu.Unlock()

	m.coordinator.Invalidate()
	m.creds.Clear()
	m.monitor.Stop()

	if notify && m.onExpired != nil {
		m.onExpired()
	}
	return true
}

func (m *Machine) publish(eventType events.Type, principalID string) {
	if m.publisher == nil {
		return
	}
	event := events.Event{
		Type:        eventType,
		PrincipalID: principalID,
		At:          time.Now().UTC(),
	}
	if err := m.publisher.Publish(event); err != nil {
		m.log.Warn().Err(err).Str("event", string(eventType)).Msg("failed to publish session event")
	}
}
