package termsocket

import "time"

// Terminal is the display surface a connection renders into and reads
// keystrokes from.
//
// Subscriptions return a cancel function. Callbacks may be invoked from any
// goroutine; Conn serializes them onto its event loop.
type Terminal interface {
	// Write renders decoded output.
	Write(text string)
	// Clear empties the visible buffer.
	Clear()
	// Focus activates input handling.
	Focus()
	// Blur deactivates input handling.
	Blur()
	// Size returns the current number of columns and rows.
	Size() (columns, rows int)
	// OnInput subscribes to keystrokes.
	OnInput(func(input string)) (cancel func())
	// OnResize subscribes to size changes.
	OnResize(func(columns, rows int)) (cancel func())
	// SetOption applies a server-sent preference.
	SetOption(key string, value any)
	// SetTitle sets the window title.
	SetTitle(title string)
	// ShowMessage overlays a status message. A zero timeout keeps it until
	// RemoveMessage is called.
	ShowMessage(message string, timeout time.Duration)
	// RemoveMessage removes the status message, if any.
	RemoveMessage()
}

// Snapshotter is implemented by terminals that can render their visible
// buffer as plain text. Mirror mode uses it.
type Snapshotter interface {
	Snapshot() string
}

// Notifier surfaces a message to the user outside the terminal buffer.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(message string) { f(message) }

// resetTerminal prepares the surface for a fresh connection attempt.
func resetTerminal(t Terminal) {
	t.RemoveMessage()
	t.Clear()
}
