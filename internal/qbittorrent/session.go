// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/qremote/internal/models"
)

var startStopMinVersion = semver.MustParse("2.11.0")

const logoutTimeout = 5 * time.Second

// SessionState is the lifecycle state of a SessionManager.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateAuthExpired
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthExpired:
		return "auth_expired"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session is one successful login. Generation increases with every login on the
// same manager; Renewal marks a transparent re-login after expiry. Origin is the
// generation of the explicit login that started the chain, renewals inherit it.
type Session struct {
	ID            string
	Profile       string
	Generation    uint64
	Origin        uint64
	Renewal       bool
	EstablishedAt time.Time
	WebAPIVersion string
}

// Capabilities are derived from the server's WebAPI version.
type Capabilities struct {
	WebAPIVersion string
	// UseStartStop selects torrents/start and torrents/stop over resume/pause.
	UseStartStop bool
}

// StateChange is delivered to OnStateChange listeners.
type StateChange struct {
	Profile string
	State   SessionState
	Session *Session
	Err     error
}

// Response is a successful WebAPI reply tagged with the session that produced it.
type Response struct {
	StatusCode int
	Body       []byte
	Session    Session
}

type SessionOptions struct {
	// ConnectAttempts bounds in-call login retries on network failure.
	ConnectAttempts uint
	// RetryDelay is the base delay between in-call retries.
	RetryDelay time.Duration
	// FallbackTimeout is used when the profile has no timeout.
	FallbackTimeout time.Duration
	// Failures is shared across managers so backoff survives profile switches.
	Failures *FailureTracker
}

// SessionManager owns authentication for one profile. Callers never handle
// cookies or re-login themselves.
type SessionManager struct {
	profile   models.Profile
	transport *Transport
	opts      SessionOptions
	group     singleflight.Group

	mu         sync.RWMutex
	state      SessionState
	current    *Session
	generation uint64
	origin     uint64
	manual     bool
	terminal   error
	caps       Capabilities

	listenersMu sync.RWMutex
	listeners   []func(StateChange)
}

func NewSessionManager(profile models.Profile, opts SessionOptions) (*SessionManager, error) {
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.Failures == nil {
		opts.Failures = NewFailureTracker()
	}

	transport, err := NewTransport(TransportConfig{
		BaseURL:       profile.APIBaseURL(),
		Timeout:       profile.RequestTimeout(opts.FallbackTimeout),
		VerifySSL:     profile.VerifySSL,
		BasicUsername: profile.BasicUsername,
		BasicPassword: profile.BasicPassword,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "profile %q", profile.Name)
	}

	return &SessionManager{
		profile:   profile,
		transport: transport,
		opts:      opts,
	}, nil
}

func (m *SessionManager) ProfileName() string {
	return m.profile.Name
}

// State returns the current lifecycle state.
func (m *SessionManager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the live session, if any.
func (m *SessionManager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

func (m *SessionManager) Capabilities() Capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caps
}

// InBackoff reports whether automatic reconnects are currently suppressed.
func (m *SessionManager) InBackoff() bool {
	return m.opts.Failures.InBackoff(m.profile.Name)
}

func (m *SessionManager) NextRetry() time.Time {
	return m.opts.Failures.NextRetry(m.profile.Name)
}

// CanAutoReconnect is true when the manager is idle because of a recoverable
// failure and its backoff window has passed.
func (m *SessionManager) CanAutoReconnect() bool {
	m.mu.RLock()
	idle := m.state == StateDisconnected && !m.manual && m.terminal == nil
	m.mu.RUnlock()
	return idle && !m.InBackoff()
}

// OnStateChange registers a listener. Listeners run synchronously and must not block.
func (m *SessionManager) OnStateChange(fn func(StateChange)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *SessionManager) notify(change StateChange) {
	m.listenersMu.RLock()
	listeners := append([]func(StateChange){}, m.listeners...)
	m.listenersMu.RUnlock()

	change.Profile = m.profile.Name
	for _, fn := range listeners {
		fn(change)
	}
}

func (m *SessionManager) setState(state SessionState, err error) {
	m.mu.Lock()
	m.state = state
	var sess *Session
	if m.current != nil {
		copied := *m.current
		sess = &copied
	}
	m.mu.Unlock()

	m.notify(StateChange{State: state, Session: sess, Err: err})
}

// Connect performs an explicit login, retrying network failures in-call with
// exponential delay. Credential rejection is returned immediately.
func (m *SessionManager) Connect(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.state == StateConnected && m.current != nil {
		sess := *m.current
		m.mu.Unlock()
		return sess, nil
	}
	m.manual = false
	m.terminal = nil
	m.mu.Unlock()

	v, err, _ := m.group.Do("login", func() (any, error) {
		m.setState(StateConnecting, nil)

		var sess Session
		err := retry.Do(
			func() error {
				var loginErr error
				sess, loginErr = m.login(ctx, false)
				return loginErr
			},
			retry.Attempts(m.opts.ConnectAttempts),
			retry.Delay(m.opts.RetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(func(err error) bool {
				return errors.Is(err, ErrUnreachable)
			}),
			retry.OnRetry(func(n uint, err error) {
				log.Debug().Err(err).Str("profile", m.profile.Name).Uint("attempt", n+1).Msg("Retrying qBittorrent login")
			}),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return nil, m.loginFailed(err)
		}
		return sess, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// EnsureAuthenticated returns a usable session, re-authenticating once if the
// current one expired. Concurrent callers share a single login request.
func (m *SessionManager) EnsureAuthenticated(ctx context.Context) (Session, error) {
	m.mu.RLock()
	state := m.state
	var current Session
	if m.current != nil {
		current = *m.current
	}
	m.mu.RUnlock()

	switch state {
	case StateConnected:
		return current, nil
	case StateDisconnected:
		return Session{}, ErrNotConnected
	}

	v, err, _ := m.group.Do("login", func() (any, error) {
		m.mu.RLock()
		if m.state == StateConnected && m.current != nil {
			sess := *m.current
			m.mu.RUnlock()
			return sess, nil
		}
		m.mu.RUnlock()

		m.setState(StateConnecting, nil)
		sess, err := m.login(ctx, true)
		if err != nil {
			return nil, m.loginFailed(err)
		}
		log.Info().Str("profile", m.profile.Name).Uint64("generation", sess.Generation).Msg("Re-authenticated with qBittorrent")
		return sess, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// MarkExpired moves the session to AuthExpired if sessionID is still current.
func (m *SessionManager) MarkExpired(sessionID string) {
	m.mu.Lock()
	if m.current == nil || m.current.ID != sessionID || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	log.Debug().Str("profile", m.profile.Name).Str("session", sessionID).Msg("qBittorrent session expired")
	m.setState(StateAuthExpired, ErrAuthExpired)
}

// Do executes req on an authenticated session. On 403 it re-authenticates and
// retries once unless req.NoRetry is set.
func (m *SessionManager) Do(ctx context.Context, req Request) (*Response, error) {
	sess, err := m.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := m.transport.Send(ctx, req)
	if errors.Is(err, ErrAuthExpired) {
		m.MarkExpired(sess.ID)
		if req.NoRetry {
			return nil, err
		}

		sess, err = m.EnsureAuthenticated(ctx)
		if err != nil {
			return nil, err
		}
		status, body, err = m.transport.Send(ctx, req)
		if errors.Is(err, ErrAuthExpired) {
			m.MarkExpired(sess.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: status, Body: body, Session: sess}, nil
}

// Disconnect logs out best-effort and always ends Disconnected. Automatic
// reconnects stay off until the next Connect.
func (m *SessionManager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.manual = true
	hadSession := m.current != nil
	m.mu.Unlock()

	if hadSession {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		_, _, err := m.transport.Send(logoutCtx, Request{Method: http.MethodPost, Path: "auth/logout"})
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("profile", m.profile.Name).Msg("Logout failed, dropping session anyway")
		}
	}

	m.transport.ResetCookies()
	m.transport.CloseIdleConnections()

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.setState(StateDisconnected, nil)
}

func (m *SessionManager) login(ctx context.Context, renewal bool) (Session, error) {
	m.transport.ResetCookies()

	params := url.Values{}
	params.Set("username", m.profile.Username)
	params.Set("password", m.profile.Password)

	_, body, err := m.transport.Send(ctx, Request{Method: http.MethodPost, Path: "auth/login", Params: params})
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			// 403 on login is qBittorrent's IP ban response
			return Session{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, errIPBanned)
		}
		return Session{}, err
	}

	if !strings.Contains(string(body), "Ok.") {
		return Session{}, errors.Wrap(ErrAuthenticationFailed, "invalid username or password")
	}

	caps := m.probeCapabilities(ctx)

	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return Session{}, errors.Wrap(context.Canceled, "disconnected during login")
	}
	m.generation++
	if !renewal || m.origin == 0 {
		m.origin = m.generation
	}
	sess := Session{
		ID:            uuid.NewString(),
		Profile:       m.profile.Name,
		Generation:    m.generation,
		Origin:        m.origin,
		Renewal:       renewal,
		EstablishedAt: time.Now(),
		WebAPIVersion: caps.WebAPIVersion,
	}
	m.current = &sess
	m.caps = caps
	m.mu.Unlock()

	m.opts.Failures.Reset(m.profile.Name)

	log.Debug().
		Str("profile", m.profile.Name).
		Str("session", sess.ID).
		Uint64("generation", sess.Generation).
		Str("webAPIVersion", caps.WebAPIVersion).
		Bool("startStop", caps.UseStartStop).
		Msg("Logged in to qBittorrent")

	m.setState(StateConnected, nil)
	return sess, nil
}

// loginFailed moves the manager to Disconnected and records backoff.
func (m *SessionManager) loginFailed(err error) error {
	m.mu.Lock()
	m.current = nil
	if errors.Is(err, ErrAuthenticationFailed) && !isBanError(err) {
		m.terminal = err
	}
	m.mu.Unlock()

	if !isContextError(err) {
		backoff := m.opts.Failures.TrackFailure(m.profile.Name, err)
		log.Warn().Err(err).Str("profile", m.profile.Name).Dur("backoff", backoff).Msg("Failed to connect to qBittorrent")
	}

	m.setState(StateDisconnected, err)
	return err
}

// probeCapabilities reads the WebAPI version. Failures leave legacy defaults.
func (m *SessionManager) probeCapabilities(ctx context.Context) Capabilities {
	_, body, err := m.transport.Send(ctx, Request{Method: http.MethodGet, Path: "app/webapiVersion"})
	if err != nil {
		log.Warn().Err(err).Str("profile", m.profile.Name).Msg("Failed to read qBittorrent WebAPI version")
		return Capabilities{}
	}

	version := strings.TrimSpace(string(body))
	caps := Capabilities{WebAPIVersion: version}

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().
			Str("profile", m.profile.Name).
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; using legacy endpoints")
		return caps
	}

	caps.UseStartStop = !v.LessThan(startStopMinVersion)
	return caps
}
