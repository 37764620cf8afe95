package termsocket

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// State is the lifecycle state of the current connection attempt.
type State int32

const (
	// StateConnecting means a dial is in flight.
	StateConnecting State = iota
	// StateOpen means the socket is open and frames are flowing.
	StateOpen
	// StateClosed means the socket is gone. A reconnect may be pending.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxReconnectDelay caps a server-granted reconnect delay.
const maxReconnectDelay = 24 * time.Hour

// Messages shown on the display surface.
const (
	closedMessage     = "Connection Closed"
	authFailedMessage = "Couldn't authenticate to the terminal backend"
)

// socket is the write side of a websocket.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// machine holds the connection state and its transitions. Every method runs
// on a single goroutine. Each connect bumps gen; events carry the generation
// they were issued for, and events from an older generation are dropped.
type machine struct {
	opts    options
	term    Terminal
	logger  Logger
	clock   Clock
	decoder *Decoder

	// dial starts an attempt for gen. The outcome comes back through
	// handleOpen or handleClose.
	dial func(gen uint64)
	// post schedules fn on the machine's goroutine. Terminal callbacks go
	// through it.
	post func(fn func())

	gen     uint64
	state   atomic.Int32
	pending atomic.Bool
	sock    socket

	// reconnect is the server-granted delay in seconds. <= 0 disables.
	reconnect      float64
	reconnectTimer Timer
	keepAliveTimer Timer
	cancelInput    func()
	cancelResize   func()

	shutdown bool
	fatal    error
	finished bool
	err      error
}

func newMachine(term Terminal, opts options, clock Clock, dial func(uint64), post func(func())) *machine {
	m := &machine{
		opts:    opts,
		term:    term,
		logger:  opts.logger,
		clock:   clock,
		decoder: NewDecoder(),
		dial:    dial,
		post:    post,
	}
	m.setState(StateClosed)
	return m
}

func (m *machine) State() State {
	return State(m.state.Load())
}

func (m *machine) setState(s State) {
	m.state.Store(int32(s))
}

func (m *machine) current(gen uint64, want State) bool {
	return gen == m.gen && m.State() == want
}

// connect starts a new attempt.
func (m *machine) connect() {
	m.gen++
	m.setState(StateConnecting)
	m.opts.metrics.attempt()
	m.logger.Debug("connecting", "generation", m.gen)
	m.dial(m.gen)
}

// handleOpen runs when the dial for gen succeeded.
func (m *machine) handleOpen(gen uint64, sock socket) {
	if !m.current(gen, StateConnecting) {
		m.logger.Debug("discarding stale socket", "generation", gen)
		_ = sock.Close()
		return
	}

	m.sock = sock
	m.setState(StateOpen)
	m.opts.metrics.setOpen(true)
	m.logger.Info("connection established", "generation", gen)

	m.term.RemoveMessage()
	m.term.Focus()

	token := ""
	if m.opts.token != nil {
		token = m.opts.token()
	}
	m.writeRaw([]byte(token))

	handshake, err := json.Marshal(Handshake{Arguments: m.opts.arguments})
	if err != nil {
		m.logger.Error("encode handshake", "error", err)
		return
	}
	m.writeRaw(handshake)

	m.unsubscribe()
	m.cancelResize = m.term.OnResize(func(columns, rows int) {
		m.post(func() { m.handleResize(gen, columns, rows) })
	})
	columns, rows := m.term.Size()
	m.handleResize(gen, columns, rows)

	m.cancelInput = m.term.OnInput(func(input string) {
		m.post(func() { m.handleInput(gen, input) })
	})

	stopTimer(&m.keepAliveTimer)
	m.scheduleKeepAlive(gen)
}

// handleMessage dispatches one inbound message on its tag.
func (m *machine) handleMessage(gen uint64, data []byte) {
	if !m.current(gen, StateOpen) {
		return
	}

	frame, err := m.opts.codec.Decode(data)
	if err != nil {
		m.logger.Debug("ignoring message", "error", err)
		return
	}
	m.opts.metrics.frameReceived(frame.Tag)

	switch frame.Tag {
	case TagOutput:
		err = m.output(frame.Payload)
	case TagPong:
	case TagSetWindowTitle:
		m.term.SetTitle(string(frame.Payload))
	case TagSetPreferences:
		err = m.applyPreferences(frame.Payload)
	case TagSetReconnect:
		var seconds float64
		seconds, err = ParseReconnect(frame.Payload)
		if err == nil {
			m.reconnect = seconds
			m.logger.Info("reconnect policy set", "seconds", seconds)
		}
	case TagAuth:
		if string(frame.Payload) == AuthFailed {
			m.authFailed()
		}
	default:
		m.logger.Debug("ignoring unknown tag", "tag", string(rune(frame.Tag)))
	}

	if err != nil {
		m.logger.Warn("malformed frame", "tag", string(rune(frame.Tag)), "error", err)
		if m.opts.onError(err) == Disconnect {
			m.forceClose(err)
		}
	}
}

func (m *machine) output(payload []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, payload)
	if err != nil {
		return errors.Wrap(err, "decode output")
	}

	before := m.decoder.Replaced()
	m.term.Write(m.decoder.Decode(raw[:n]))
	m.opts.metrics.replaced(m.decoder.Replaced() - before)

	if m.opts.mirror != nil {
		if snap, ok := m.term.(Snapshotter); ok {
			m.clock.AfterFunc(m.opts.mirrorDelay, func() {
				m.opts.mirror(snap.Snapshot())
			})
		}
	}
	return nil
}

func (m *machine) applyPreferences(payload []byte) error {
	prefs, err := ParsePreferences(payload)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.term.SetOption(k, prefs[k])
	}
	return nil
}

func (m *machine) authFailed() {
	m.logger.Warn("server rejected auth token", "generation", m.gen)
	m.opts.metrics.authFailed()
	if m.opts.notifier != nil {
		m.opts.notifier.Notify(authFailedMessage)
	}
	m.fatal = ErrAuthFailed
	m.forceClose(ErrAuthFailed)
}

func (m *machine) handleInput(gen uint64, input string) {
	if !m.current(gen, StateOpen) {
		return
	}
	if m.opts.onActivity != nil {
		m.opts.onActivity()
	}
	m.send(InputFrame(input))
}

func (m *machine) handleResize(gen uint64, columns, rows int) {
	if !m.current(gen, StateOpen) {
		return
	}
	frame, err := ResizeFrame(columns, rows)
	if err != nil {
		m.logger.Error("encode resize", "error", err)
		return
	}
	m.send(frame)
}

func (m *machine) scheduleKeepAlive(gen uint64) {
	m.keepAliveTimer = m.clock.AfterFunc(m.opts.keepAlive, func() {
		if !m.current(gen, StateOpen) {
			return
		}
		m.send(PingFrame())
		m.scheduleKeepAlive(gen)
	})
}

// forceClose closes the socket and runs the close transition right away.
// The read side reports the same close later; that report is ignored.
func (m *machine) forceClose(cause error) {
	m.handleClose(m.gen, cause)
}

// handleClose runs when the socket for gen went away, or could not be
// opened at all.
func (m *machine) handleClose(gen uint64, cause error) {
	if gen != m.gen || m.State() == StateClosed {
		return
	}

	m.setState(StateClosed)
	m.opts.metrics.setOpen(false)
	stopTimer(&m.keepAliveTimer)
	m.unsubscribe()
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}

	m.term.Blur()
	m.term.ShowMessage(closedMessage, 0)
	if cause != nil {
		m.logger.Info("connection closed with error", "generation", gen, "error", cause)
	} else {
		m.logger.Info("connection closed", "generation", gen)
	}

	if m.shutdown || m.fatal != nil || m.reconnect <= 0 {
		m.finish(cause)
		return
	}

	delay := reconnectDelay(m.reconnect)
	stopTimer(&m.reconnectTimer)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.handleReconnect(gen)
	})
	m.pending.Store(true)
	m.opts.metrics.reconnectScheduled()
	m.logger.Info("reconnect scheduled", "generation", gen, "delay", delay)
}

// reconnectDelay converts a positive number of seconds to a duration,
// saturating at maxReconnectDelay.
func reconnectDelay(seconds float64) time.Duration {
	if seconds >= maxReconnectDelay.Seconds() {
		return maxReconnectDelay
	}
	return time.Duration(seconds * float64(time.Second))
}

func (m *machine) handleReconnect(gen uint64) {
	if gen != m.gen || m.shutdown || m.State() != StateClosed {
		return
	}
	m.reconnectTimer = nil
	m.pending.Store(false)
	resetTerminal(m.term)
	m.connect()
}

// close is the explicit close path. It is safe to call in any state and
// more than once.
func (m *machine) close() {
	if m.shutdown {
		return
	}
	m.shutdown = true
	stopTimer(&m.reconnectTimer)
	m.pending.Store(false)

	if m.State() == StateClosed {
		m.finish(nil)
		return
	}
	m.handleClose(m.gen, nil)
}

func (m *machine) finish(cause error) {
	m.finished = true
	switch {
	case m.fatal != nil:
		m.err = m.fatal
	case m.shutdown:
		m.err = nil
	case cause == nil:
		m.err = ErrConnectionClosed
	default:
		m.err = cause
	}
}

func (m *machine) unsubscribe() {
	if m.cancelInput != nil {
		m.cancelInput()
		m.cancelInput = nil
	}
	if m.cancelResize != nil {
		m.cancelResize()
		m.cancelResize = nil
	}
}

func (m *machine) send(frame Frame) {
	data, err := m.opts.codec.Encode(frame)
	if err != nil {
		m.logger.Error("encode frame", "tag", string(rune(frame.Tag)), "error", err)
		return
	}
	if m.writeRaw(data) {
		m.opts.metrics.frameSent(frame.Tag)
	}
}

// writeRaw writes one text message. A failed write is only logged; the
// read side reports the broken socket.
func (m *machine) writeRaw(data []byte) bool {
	if m.sock == nil {
		return false
	}
	if err := m.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Debug("write error", "generation", m.gen, "error", err)
		return false
	}
	return true
}
