package termsocket

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Zereker/termsocket/api"
)

type logEntry struct {
	level string
	msg   string
	args  []any
}

// mockLogger records every call.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *mockLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

// find returns the first entry with the given level and message.
func (l *mockLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// arg returns the value logged under key.
func (e logEntry) arg(key string) (any, bool) {
	for i := 0; i+1 < len(e.args); i += 2 {
		if e.args[i] == key {
			return e.args[i+1], true
		}
	}
	return nil, false
}

func TestDefaultLogger(t *testing.T) {
	var opts options
	if err := checkOptions(&opts); err != nil {
		t.Fatal(err)
	}
	if opts.logger != slog.Default() {
		t.Error("connection logger does not default to slog.Default()")
	}
}

func TestLogger_MachineReportsAuthFailure(t *testing.T) {
	logger := &mockLogger{}
	h := newHarness(t, LoggerOption(logger))
	h.open()

	h.receive("6auth FAIL")

	if _, ok := logger.find("warn", "server rejected auth token"); !ok {
		t.Error("auth failure not logged at warn")
	}
	e, ok := logger.find("info", "connection closed with error")
	if !ok {
		t.Fatal("close not logged")
	}
	if v, _ := e.arg("error"); v != ErrAuthFailed {
		t.Errorf("close error = %v, want %v", v, ErrAuthFailed)
	}
}

func TestLogger_ReconnectDelayIsCapped(t *testing.T) {
	logger := &mockLogger{}
	h := newHarness(t, LoggerOption(logger))
	h.open()

	h.receive("51e300")
	h.drop()

	e, ok := logger.find("info", "reconnect scheduled")
	if !ok {
		t.Fatal("reconnect not logged")
	}
	if v, _ := e.arg("delay"); v != maxReconnectDelay {
		t.Errorf("delay = %v, want %v", v, maxReconnectDelay)
	}
}

func TestLogger_SessionLoginAndIdle(t *testing.T) {
	logger := &mockLogger{}
	clock := newFakeClock()
	accounts := &mockAccounts{account: api.Account{Username: "ada", IdleTimeout: 2}}
	s := NewSession(accounts, &recordingNotifier{}, SessionClockOption(clock), SessionLoggerOption(logger))
	s.Attach(&countingCloser{})

	if err := s.Login(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	e, ok := logger.find("info", "logged in")
	if !ok {
		t.Fatal("login not logged")
	}
	if v, _ := e.arg("username"); v != "ada" {
		t.Errorf("username = %v, want ada", v)
	}

	clock.Advance(2 * time.Second)
	if _, ok := logger.find("info", "session idle, closing connection"); !ok {
		t.Error("idle expiry not logged")
	}
}
