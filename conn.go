// Package termsocket is a client for terminal sessions served over a
// websocket with the gotty framing protocol. It keeps one connection to the
// server, forwards keystrokes and resizes, renders output into a Terminal,
// and reconnects when the server has granted a reconnect interval.
package termsocket

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidTerminal is returned when no display surface is provided.
	ErrInvalidTerminal = errors.New("invalid terminal")
	// ErrInvalidEndpoint is returned when the endpoint is not a ws:// or wss:// URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrAuthFailed is returned by Run when the server rejected the auth token.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrAlreadyRunning is returned when Run is called a second time.
	ErrAlreadyRunning = errors.New("connection already running")
)

// ErrConnectionClosed is returned by Run when the server closed the
// connection without granting a reconnect.
var ErrConnectionClosed = errors.New("connection closed")

// Default configuration values.
const (
	// defaultBufferSize is the initial capacity of the event queue.
	defaultBufferSize = 16
	// defaultMaxPackageLength is the default maximum size of a single message (1MB).
	defaultMaxPackageLength = 1024 * 1024
	// defaultKeepAlive is the default ping interval.
	defaultKeepAlive = 30 * time.Second
	// defaultMirrorDelay is how long mirror mode waits before taking a snapshot.
	defaultMirrorDelay = 100 * time.Millisecond
)

// Conn is a terminal session connection. It owns one websocket at a time,
// dials again when a reconnect is due, and drives the Terminal it was
// created with.
//
// All state changes happen on the goroutine running Run. Socket reads,
// dials, timers and terminal callbacks post events to it.
type Conn struct {
	endpoint string
	logger   Logger
	opts     options

	queue *eventQueue
	m     *machine

	mu      sync.Mutex
	cancel  context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool

	ctx   context.Context
	group *errgroup.Group
}

// NewConn creates a connection to endpoint rendering into term.
// It applies the provided options and validates them before returning.
func NewConn(endpoint string, term Terminal, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}
	if term == nil {
		return nil, ErrInvalidTerminal
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, errors.Wrapf(ErrInvalidEndpoint, "%q", endpoint)
	}

	return newConnWithOptions(endpoint, term, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.keepAlive <= 0 {
		opts.keepAlive = defaultKeepAlive
	}

	if opts.codec == nil {
		opts.codec = GottyCodec{}
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Continue }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.clock == nil {
		opts.clock = RealClock()
	}

	if opts.dialer == nil {
		opts.dialer = websocket.DefaultDialer
	}

	if opts.mirror != nil && opts.mirrorDelay <= 0 {
		opts.mirrorDelay = defaultMirrorDelay
	}

	return nil
}

func newConnWithOptions(endpoint string, term Terminal, opts options) *Conn {
	c := &Conn{
		endpoint: endpoint,
		logger:   opts.logger,
		opts:     opts,
		queue:    newEventQueue(opts.bufferSize),
	}
	clock := loopClock{clock: opts.clock, queue: c.queue}
	c.m = newMachine(term, opts, clock, c.dial, func(fn func()) { c.queue.push(fn) })
	return c
}

// Run connects and processes events until the connection is finished:
// after Close, after an authentication failure, or after a close for which
// no reconnect was granted. It blocks until every helper goroutine exits.
//
// Run returns nil after Close, ErrAuthFailed if the token was rejected, the
// context error if ctx ends first, and otherwise the error that closed the
// socket. Run may be called only once.
func (c *Conn) Run(ctx context.Context) error {
	if c.started.Swap(true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}

	c.logger.Debug("connection options", "endpoint", c.endpoint,
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"keep_alive", c.opts.keepAlive)

	group, child := errgroup.WithContext(ctx)
	c.group, c.ctx = group, child

	group.Go(func() error {
		defer cancel()
		return c.loop(child)
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("session finished with error", "endpoint", c.endpoint, "error", err)
	} else {
		c.logger.Info("session finished", "endpoint", c.endpoint)
	}

	return err
}

// Close ends the session: a pending reconnect is cancelled and the socket is
// closed. It is safe to call before Run, while a dial is in flight, and more
// than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsClosed returns true if Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// State returns the state of the current attempt.
func (c *Conn) State() State {
	return c.m.State()
}

// ReconnectPending reports whether a reconnect timer is armed.
func (c *Conn) ReconnectPending() bool {
	return c.m.pending.Load()
}

// Endpoint returns the websocket URL the connection dials.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// loop runs every transition of the machine. It returns when the machine
// is finished or ctx ends.
func (c *Conn) loop(ctx context.Context) error {
	defer func() {
		// Run whatever was queued before shutdown so stale sockets get closed.
		for _, fn := range c.queue.shut() {
			fn()
		}
	}()

	c.m.connect()
	for !c.m.finished {
		select {
		case <-ctx.Done():
			c.m.close()
			if c.closed.Load() {
				return nil
			}
			return ctx.Err()
		case <-c.queue.wake:
			for _, fn := range c.queue.take() {
				fn()
			}
		}
	}
	return c.m.err
}

// dial starts the attempt for gen in a helper goroutine.
func (c *Conn) dial(gen uint64) {
	c.group.Go(func() error {
		ws, _, err := c.opts.dialer.DialContext(c.ctx, c.endpoint, c.opts.header)
		if err != nil {
			err = errors.Wrap(err, "dial")
			c.logger.Debug("dial error", "endpoint", c.endpoint, "error", err)
			c.queue.push(func() { c.m.handleClose(gen, err) })
			return nil
		}
		ws.SetReadLimit(int64(c.opts.maxReadLength))

		sock := wsSocket{conn: ws, timeout: c.opts.keepAlive * 2}
		if !c.queue.push(func() { c.m.handleOpen(gen, sock) }) {
			_ = ws.Close()
			return nil
		}
		c.readLoop(gen, ws)
		return nil
	})
}

// readLoop continuously reads messages from ws and posts them to the loop.
// A read deadline of three keep-alive periods catches a silent peer.
func (c *Conn) readLoop(gen uint64, ws *websocket.Conn) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.keepAlive * 3))

		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("read error", "endpoint", c.endpoint, "error", err)
			err = errors.Wrap(err, "read")
			c.queue.push(func() { c.m.handleClose(gen, err) })
			return
		}

		if !c.queue.push(func() { c.m.handleMessage(gen, data) }) {
			_ = ws.Close()
			return
		}
	}
}

// wsSocket adds a write deadline to every write.
type wsSocket struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s wsSocket) WriteMessage(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s wsSocket) Close() error {
	return s.conn.Close()
}

// eventQueue is an unbounded FIFO of closures feeding the loop. Pushing
// never blocks, so callbacks may post from anywhere, including the loop.
type eventQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{
		pending: make([]func(), 0, size),
		wake:    make(chan struct{}, 1),
	}
}

// push appends fn. It returns false once the queue is shut.
func (q *eventQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	fns := q.pending
	q.pending = nil
	return fns
}

// shut rejects further pushes and returns what is still queued.
func (q *eventQueue) shut() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	fns := q.pending
	q.pending = nil
	return fns
}

// loopClock delivers timer callbacks through the event queue.
type loopClock struct {
	clock Clock
	queue *eventQueue
}

func (l loopClock) Now() time.Time { return l.clock.Now() }

func (l loopClock) AfterFunc(d time.Duration, f func()) Timer {
	return l.clock.AfterFunc(d, func() { l.queue.push(f) })
}
