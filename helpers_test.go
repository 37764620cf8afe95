package termsocket

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a hand-driven Clock. Callbacks run synchronously inside
// Advance, in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing every timer that comes due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()

		next.fn()
	}
}

// Active returns the number of timers that have neither fired nor stopped.
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// mockTerminal implements Terminal for testing.
type mockTerminal struct {
	mu         sync.Mutex
	columns    int
	rows       int
	writes     []string
	clears     int
	focuses    int
	blurs      int
	options    map[string]any
	optionKeys []string
	title      string
	message    string
	messages   []string
	snapshot   string
	inputSubs  map[int]func(string)
	resizeSubs map[int]func(int, int)
	nextID     int
}

func newMockTerminal(columns, rows int) *mockTerminal {
	return &mockTerminal{
		columns:    columns,
		rows:       rows,
		options:    make(map[string]any),
		inputSubs:  make(map[int]func(string)),
		resizeSubs: make(map[int]func(int, int)),
	}
}

func (t *mockTerminal) Write(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, text)
}

func (t *mockTerminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clears++
}

func (t *mockTerminal) Focus() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focuses++
}

func (t *mockTerminal) Blur() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blurs++
}

func (t *mockTerminal) Size() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.columns, t.rows
}

func (t *mockTerminal) OnInput(fn func(string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.inputSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.inputSubs, id)
	}
}

func (t *mockTerminal) OnResize(fn func(int, int)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.resizeSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.resizeSubs, id)
	}
}

func (t *mockTerminal) SetOption(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.options[key] = value
	t.optionKeys = append(t.optionKeys, key)
}

func (t *mockTerminal) SetTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.title = title
}

func (t *mockTerminal) ShowMessage(message string, _ time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = message
	t.messages = append(t.messages, message)
}

func (t *mockTerminal) RemoveMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = ""
}

func (t *mockTerminal) Snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// input simulates a keystroke.
func (t *mockTerminal) input(s string) {
	t.mu.Lock()
	subs := make([]func(string), 0, len(t.inputSubs))
	for _, fn := range t.inputSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// resize simulates a size change.
func (t *mockTerminal) resize(columns, rows int) {
	t.mu.Lock()
	t.columns, t.rows = columns, rows
	subs := make([]func(int, int), 0, len(t.resizeSubs))
	for _, fn := range t.resizeSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(columns, rows)
	}
}

func (t *mockTerminal) output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.writes, "")
}

func (t *mockTerminal) subscribers() (input, resize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inputSubs), len(t.resizeSubs)
}

func (t *mockTerminal) currentMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

func (t *mockTerminal) setSnapshot(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot = s
}

// mockSocket implements socket for testing.
type mockSocket struct {
	mu       sync.Mutex
	writes   []string
	closed   int
	writeErr error
}

func (s *mockSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, string(data))
	return nil
}

func (s *mockSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *mockSocket) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *mockSocket) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return ""
	}
	return s.writes[len(s.writes)-1]
}

func (s *mockSocket) count(prefix string) int {
	n := 0
	for _, w := range s.sent() {
		if strings.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

func (s *mockSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// harness drives a machine directly, without goroutines.
type harness struct {
	m     *machine
	term  *mockTerminal
	clock *fakeClock
	dials []uint64
}

func newHarness(t *testing.T, opt ...Option) *harness {
	t.Helper()

	opts := options{logger: nopLogger{}}
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions: %v", err)
	}

	h := &harness{
		term:  newMockTerminal(80, 24),
		clock: newFakeClock(),
	}
	opts.clock = h.clock
	h.m = newMachine(h.term, opts, h.clock,
		func(gen uint64) { h.dials = append(h.dials, gen) },
		func(fn func()) { fn() },
	)
	return h
}

// open runs a connect and a successful open, returning the socket.
func (h *harness) open() *mockSocket {
	h.m.connect()
	return h.accept()
}

// accept completes the attempt that is currently in flight.
func (h *harness) accept() *mockSocket {
	sock := &mockSocket{}
	h.m.handleOpen(h.m.gen, sock)
	return sock
}

func (h *harness) receive(msg string) {
	h.m.handleMessage(h.m.gen, []byte(msg))
}

func (h *harness) drop() {
	h.m.handleClose(h.m.gen, errors.New("connection reset"))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
