package termsocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	codec    Codec
	logger   Logger
	clock    Clock
	notifier Notifier
	metrics  *Metrics

	dialer *websocket.Dialer
	header http.Header

	token     func() string
	arguments string

	// onError is called when a recognized frame carries a bad payload.
	// Returns Disconnect to close the connection, Continue to ignore the frame.
	onError func(error) ErrorAction
	// onActivity is called for every keystroke forwarded to the server.
	onActivity func()

	mirror      func(string)
	mirrorDelay time.Duration

	bufferSize    int           // size of the event queue
	maxReadLength int           // maximum size of a single message
	keepAlive     time.Duration // ping interval
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the frame codec.
// Defaults to GottyCodec.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the event queue
// feeding the connection loop.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// KeepAliveOption returns an Option that sets the ping interval.
func KeepAliveOption(interval time.Duration) Option {
	return func(o *options) {
		o.keepAlive = interval
	}
}

// MessageMaxSize returns an Option that sets the maximum size of an inbound
// message. Larger messages close the socket.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a recognized frame cannot be applied.
// Return Disconnect to close the connection, or Continue to ignore the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ClockOption returns an Option that sets the clock used for every timer.
func ClockOption(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// DialerOption returns an Option that sets the websocket dialer.
func DialerOption(dialer *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// HeaderOption returns an Option that sets extra handshake headers.
func HeaderOption(header http.Header) Option {
	return func(o *options) {
		o.header = header
	}
}

// TokenOption returns an Option that sets the source of the auth token sent
// as the first message of every attempt.
func TokenOption(token func() string) Option {
	return func(o *options) {
		o.token = token
	}
}

// ArgumentsOption returns an Option that sets the query string forwarded in
// the handshake.
func ArgumentsOption(arguments string) Option {
	return func(o *options) {
		o.arguments = arguments
	}
}

// NotifierOption returns an Option that sets where user-facing
// notifications go.
func NotifierOption(notifier Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// ActivityOption returns an Option that sets a callback run for every
// forwarded keystroke. Session.RecordInput fits here.
func ActivityOption(cb func()) Option {
	return func(o *options) {
		o.onActivity = cb
	}
}

// MirrorOption returns an Option that copies the terminal's plain-text
// snapshot to sink some delay after each output frame. The terminal must
// implement Snapshotter.
func MirrorOption(sink func(string), delay time.Duration) Option {
	return func(o *options) {
		o.mirror = sink
		o.mirrorDelay = delay
	}
}

// MetricsOption returns an Option that records connection metrics.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
