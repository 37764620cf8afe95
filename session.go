package termsocket

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Zereker/termsocket/api"
	"github.com/pkg/errors"
)

// Notifications shown by Session.
const (
	loginFailedMessage = "Couldn't login. Please login again."
	inactivityMessage  = "Your session has ended due to inactivity. Please reconnect to start a new session."
)

// AccountService looks up the account behind a bearer token. *api.Client
// implements it.
type AccountService interface {
	Account(ctx context.Context, token string) (api.Account, error)
}

// sessionOptions holds the configuration for a session.
type sessionOptions struct {
	clock  Clock
	logger Logger
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

// SessionClockOption sets the clock driving the idle countdown.
func SessionClockOption(clock Clock) SessionOption {
	return func(o *sessionOptions) {
		o.clock = clock
	}
}

// SessionLoggerOption sets the session logger.
func SessionLoggerOption(logger Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// Session is the logged-in user: identity, bearer token and the idle
// countdown. It owns the terminal connection and closes it on logout or
// when the user has been idle for IdleTimeout seconds.
//
// The idle countdown is separate from the connection's reconnect policy:
// an idle close is final.
type Session struct {
	accounts AccountService
	notifier Notifier
	clock    Clock
	logger   Logger

	mu            sync.Mutex
	loggedIn      bool
	username      string
	token         string
	idleTimeout   int
	timeRemaining int
	ticker        Timer
	conn          io.Closer
	// epoch changes on every login and logout. Work started under an older
	// epoch must not touch the session.
	epoch uint64
}

// NewSession returns a logged-out session.
func NewSession(accounts AccountService, notifier Notifier, opts ...SessionOption) *Session {
	o := sessionOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = RealClock()
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(string) {})
	}
	return &Session{
		accounts: accounts,
		notifier: notifier,
		clock:    o.clock,
		logger:   o.logger,
	}
}

// Login stores token, fetches the account and starts the idle countdown.
// A rejected token logs the session out and returns api.ErrUnauthorized.
// If Logout is called while the account request is in flight, the result
// is dropped and Login returns context.Canceled.
func (s *Session) Login(ctx context.Context, token string) error {
	s.mu.Lock()
	s.stopTicker()
	s.epoch++
	epoch := s.epoch
	s.token = token
	s.loggedIn = token != ""
	s.mu.Unlock()

	if token == "" {
		return errors.Wrap(api.ErrUnauthorized, "empty token")
	}

	account, err := s.accounts.Account(ctx, token)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Debug("dropping stale login result")
		return context.Canceled
	}
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, api.ErrUnauthorized) {
			s.notifier.Notify(loginFailedMessage)
			s.Logout()
		}
		return errors.Wrap(err, "login")
	}

	justLoggedIn := s.username == ""
	s.username = account.Username
	s.idleTimeout = account.IdleTimeout
	s.timeRemaining = account.IdleTimeout
	if s.idleTimeout > 0 {
		s.scheduleTick(epoch)
	}
	s.mu.Unlock()

	s.logger.Info("logged in", "username", account.Username, "idle_timeout", account.IdleTimeout)
	if justLoggedIn {
		s.notifier.Notify("Logged in as " + account.Username)
	}
	return nil
}

// Attach hands the session its terminal connection. Logout and idle expiry
// close it.
func (s *Session) Attach(conn io.Closer) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Logout stops the idle countdown, closes the connection and forgets the
// token.
func (s *Session) Logout() {
	s.mu.Lock()
	s.epoch++
	s.stopTicker()
	conn := s.conn
	s.conn = nil
	s.loggedIn = false
	s.token = ""
	s.username = ""
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("close connection", "error", err)
		}
	}
}

// RecordInput restarts the idle countdown. The extra second covers the
// tick that may already be in flight.
func (s *Session) RecordInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimeout > 0 {
		s.timeRemaining = s.idleTimeout + 1
	}
}

// Token returns the bearer token, or "" when logged out.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// LoggedIn reports whether a token is held.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Username returns the account name.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// IdleTimeout returns the idle limit in seconds. Zero means no limit.
func (s *Session) IdleTimeout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleTimeout
}

// TimeRemaining returns the seconds left before an idle close.
func (s *Session) TimeRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeRemaining
}

// scheduleTick arms the next countdown tick. Callers hold s.mu.
func (s *Session) scheduleTick(epoch uint64) {
	s.ticker = s.clock.AfterFunc(time.Second, func() {
		s.tick(epoch)
	})
}

func (s *Session) tick(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.idleTimeout == 0 {
		s.mu.Unlock()
		return
	}

	s.timeRemaining--
	if s.timeRemaining > 0 {
		s.scheduleTick(epoch)
		s.mu.Unlock()
		return
	}

	s.idleTimeout = 0
	s.timeRemaining = 0
	s.ticker = nil
	conn := s.conn
	s.mu.Unlock()

	s.logger.Info("session idle, closing connection")
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("close connection", "error", err)
		}
	}
	s.notifier.Notify(inactivityMessage)
}

// stopTicker cancels the countdown. Callers hold s.mu.
func (s *Session) stopTicker() {
	stopTimer(&s.ticker)
}
