package termsocket

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Tag is the single ASCII character that opens every frame. The payload
// format is implied by the tag and the direction of travel.
type Tag byte

// Client to server tags.
const (
	TagInput          Tag = '1'
	TagPing           Tag = '2'
	TagResizeTerminal Tag = '3'
)

// Server to client tags.
const (
	TagOutput         Tag = '1'
	TagPong           Tag = '2'
	TagSetWindowTitle Tag = '3'
	TagSetPreferences Tag = '4'
	TagSetReconnect   Tag = '5'
	TagAuth           Tag = '6'
)

// AuthFailed is the auth frame payload the server sends when the token is rejected.
const AuthFailed = "auth FAIL"

// ErrEmptyFrame is returned when decoding a message with no tag byte.
var ErrEmptyFrame = errors.New("empty frame")

// Frame is one tagged websocket text message.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// Length returns the length of the payload.
func (f Frame) Length() int {
	return len(f.Payload)
}

// Body returns the payload.
func (f Frame) Body() []byte {
	return f.Payload
}

// Codec converts frames to and from websocket messages. Messages arrive
// already delimited by the websocket layer, so a codec never has to deal
// with stream reassembly.
type Codec interface {
	// Decode splits one message into a frame.
	Decode(data []byte) (Frame, error)
	// Encode renders a frame as one message.
	Encode(Frame) ([]byte, error)
}

// GottyCodec implements the tag-prefixed framing used by gotty servers.
type GottyCodec struct{}

// Decode implements Codec.
func (GottyCodec) Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	return Frame{Tag: Tag(data[0]), Payload: data[1:]}, nil
}

// Encode implements Codec.
func (GottyCodec) Encode(f Frame) ([]byte, error) {
	out := make([]byte, 0, len(f.Payload)+1)
	out = append(out, byte(f.Tag))
	return append(out, f.Payload...), nil
}

// Handshake is the JSON document sent right after the raw auth token.
// AuthToken is always empty; the token already went out in the raw message.
type Handshake struct {
	Arguments string `json:"Arguments"`
	AuthToken string `json:"AuthToken"`
}

// ResizeRequest is the payload of a resize frame.
type ResizeRequest struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// InputFrame builds a keystroke frame.
func InputFrame(input string) Frame {
	return Frame{Tag: TagInput, Payload: []byte(input)}
}

// PingFrame builds a keep-alive frame.
func PingFrame() Frame {
	return Frame{Tag: TagPing}
}

// ResizeFrame builds a resize frame for the given terminal size.
func ResizeFrame(columns, rows int) (Frame, error) {
	payload, err := json.Marshal(ResizeRequest{Columns: columns, Rows: rows})
	if err != nil {
		return Frame{}, errors.Wrap(err, "encode resize")
	}
	return Frame{Tag: TagResizeTerminal, Payload: payload}, nil
}

// ParsePreferences decodes a set-preferences payload.
func ParsePreferences(payload []byte) (map[string]any, error) {
	var prefs map[string]any
	if err := json.Unmarshal(payload, &prefs); err != nil {
		return nil, errors.Wrap(err, "decode preferences")
	}
	return prefs, nil
}

// ParseReconnect decodes a set-reconnect payload into a number of seconds.
// Besides a bare JSON number it accepts the number quoted or wrapped in
// braces or brackets, which some servers emit. NaN and infinities are
// rejected.
func ParseReconnect(payload []byte) (float64, error) {
	var seconds float64
	if err := json.Unmarshal(payload, &seconds); err == nil {
		return seconds, nil
	}

	s := strings.Trim(strings.TrimSpace(string(payload)), "{}[] \t\"")
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, errors.Errorf("invalid reconnect payload %q", payload)
	}
	return seconds, nil
}
