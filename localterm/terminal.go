// Package localterm adapts the process's own TTY into a display surface for
// a terminal session: output goes to stdout, keystrokes come from stdin in
// raw mode, and SIGWINCH reports size changes.
package localterm

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// EscapeKey ends the session locally (Ctrl-]). It is never forwarded.
const EscapeKey = 0x1d

const (
	defaultColumns = 80
	defaultRows    = 24
	// snapshotLimit bounds the output tail kept for Snapshot.
	snapshotLimit = 64 * 1024
)

// Terminal is a display surface over a local TTY.
type Terminal struct {
	in  *os.File
	out io.Writer
	fd  int
	raw *term.State

	mu          sync.Mutex
	focused     bool
	inputSubs   map[int]func(string)
	resizeSubs  map[int]func(int, int)
	nextID      int
	options     map[string]any
	title       string
	message     string
	messageStop *time.Timer
	tail        []byte

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	stopWatch func()
}

// Open puts in into raw mode when it is a terminal and starts reading it.
// Close must be called to restore the previous mode.
func Open(in *os.File, out io.Writer) (*Terminal, error) {
	t := &Terminal{
		in:         in,
		out:        out,
		fd:         int(in.Fd()),
		inputSubs:  make(map[int]func(string)),
		resizeSubs: make(map[int]func(int, int)),
		options:    make(map[string]any),
		done:       make(chan struct{}),
	}

	if term.IsTerminal(t.fd) {
		state, err := term.MakeRaw(t.fd)
		if err != nil {
			return nil, errors.Wrap(err, "enter raw mode")
		}
		t.raw = state
	}

	t.stopWatch = watchResize(t.resized)
	go t.readLoop()
	return t, nil
}

// Close restores the TTY and stops watching for resizes.
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.finish()
		t.stopWatch()
		t.mu.Lock()
		if t.messageStop != nil {
			t.messageStop.Stop()
		}
		t.mu.Unlock()
		if t.raw != nil {
			err = term.Restore(t.fd, t.raw)
		}
	})
	return err
}

// Done is closed when the user pressed EscapeKey or stdin reached EOF.
func (t *Terminal) Done() <-chan struct{} {
	return t.done
}

func (t *Terminal) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// readLoop forwards stdin to input subscribers while focused.
func (t *Terminal) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := t.in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, EscapeKey); i >= 0 {
				t.dispatchInput(string(chunk[:i]))
				t.finish()
				return
			}
			t.dispatchInput(string(chunk))
		}
		if err != nil {
			t.finish()
			return
		}
	}
}

func (t *Terminal) dispatchInput(input string) {
	if input == "" {
		return
	}
	t.mu.Lock()
	if !t.focused {
		t.mu.Unlock()
		return
	}
	subs := make([]func(string), 0, len(t.inputSubs))
	for _, fn := range t.inputSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(input)
	}
}

func (t *Terminal) resized() {
	columns, rows := t.Size()
	t.mu.Lock()
	subs := make([]func(int, int), 0, len(t.resizeSubs))
	for _, fn := range t.resizeSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(columns, rows)
	}
}

// Write renders output and keeps a bounded copy for Snapshot.
func (t *Terminal) Write(text string) {
	t.mu.Lock()
	t.tail = append(t.tail, text...)
	if over := len(t.tail) - snapshotLimit; over > 0 {
		t.tail = t.tail[over:]
		for len(t.tail) > 0 && !utf8.RuneStart(t.tail[0]) {
			t.tail = t.tail[1:]
		}
	}
	t.mu.Unlock()
	_, _ = io.WriteString(t.out, text)
}

// Clear erases the screen and homes the cursor.
func (t *Terminal) Clear() {
	t.mu.Lock()
	t.tail = t.tail[:0]
	t.mu.Unlock()
	_, _ = io.WriteString(t.out, "\x1b[2J\x1b[H")
}

// Focus starts forwarding keystrokes.
func (t *Terminal) Focus() {
	t.mu.Lock()
	t.focused = true
	t.mu.Unlock()
}

// Blur stops forwarding keystrokes.
func (t *Terminal) Blur() {
	t.mu.Lock()
	t.focused = false
	t.mu.Unlock()
}

// Size returns the TTY size, or 80x24 when stdin is not a terminal.
func (t *Terminal) Size() (columns, rows int) {
	w, h, err := term.GetSize(t.fd)
	if err != nil || w <= 0 || h <= 0 {
		return defaultColumns, defaultRows
	}
	return w, h
}

// OnInput subscribes to keystrokes.
func (t *Terminal) OnInput(fn func(input string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.inputSubs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.inputSubs, id)
		t.mu.Unlock()
	}
}

// OnResize subscribes to size changes.
func (t *Terminal) OnResize(fn func(columns, rows int)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.resizeSubs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.resizeSubs, id)
		t.mu.Unlock()
	}
}

// SetOption records a server preference. A local TTY has nothing to apply
// fonts or themes to, so options are only kept for Option.
func (t *Terminal) SetOption(key string, value any) {
	t.mu.Lock()
	t.options[key] = value
	t.mu.Unlock()
}

// Option returns a recorded preference.
func (t *Terminal) Option(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.options[key]
	return v, ok
}

// SetTitle sets the window title through OSC 2.
func (t *Terminal) SetTitle(title string) {
	t.mu.Lock()
	t.title = title
	t.mu.Unlock()
	_, _ = io.WriteString(t.out, ansi.SetWindowTitle(title))
}

// Title returns the last title set.
func (t *Terminal) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// ShowMessage prints message on its own line. With a timeout the message
// is forgotten once it expires.
func (t *Terminal) ShowMessage(message string, timeout time.Duration) {
	t.mu.Lock()
	t.message = message
	if t.messageStop != nil {
		t.messageStop.Stop()
		t.messageStop = nil
	}
	if timeout > 0 {
		t.messageStop = time.AfterFunc(timeout, t.RemoveMessage)
	}
	t.mu.Unlock()
	_, _ = io.WriteString(t.out, "\r\n["+message+"]\r\n")
}

// RemoveMessage forgets the current status message.
func (t *Terminal) RemoveMessage() {
	t.mu.Lock()
	t.message = ""
	t.mu.Unlock()
}

// Message returns the status message on display, if any.
func (t *Terminal) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// Snapshot returns recent output with escape sequences removed.
func (t *Terminal) Snapshot() string {
	t.mu.Lock()
	tail := string(t.tail)
	t.mu.Unlock()
	return ansi.Strip(tail)
}
