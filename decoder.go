package termsocket

import "strings"

// replacementChar is emitted for every malformed position in the stream.
const replacementChar = '\uFFFD'

// Decoder is a stateful UTF-8 decoder for terminal output.
//
// Output frames are cut at arbitrary byte offsets by the server, so a
// multi-byte character may arrive split across two frames. The decoder keeps
// the partially assembled code point between calls and finishes it when the
// rest of the sequence arrives.
//
// A Decoder is not safe for concurrent use; chunks must be fed in arrival order.
type Decoder struct {
	// bytesLeft is the number of continuation bytes still expected.
	bytesLeft int
	// codePoint is the in-progress value while bytesLeft > 0.
	codePoint uint32
	// lowerBound is the smallest legal value for the current sequence length.
	lowerBound uint32

	replaced int
}

// NewDecoder returns a Decoder with no pending sequence.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes chunk, taking into account state left by earlier calls.
func (d *Decoder) Decode(chunk []byte) string {
	var b strings.Builder
	b.Grow(len(chunk))
	d.decode(chunk, func(r rune) {
		b.WriteRune(r)
	})
	return b.String()
}

// DecodeUTF16 decodes chunk into UTF-16 code units. Scalars at or above
// U+10000 are split into a surrogate pair.
func (d *Decoder) DecodeUTF16(chunk []byte) []uint16 {
	out := make([]uint16, 0, len(chunk))
	d.decode(chunk, func(r rune) {
		cp := uint32(r)
		if cp < 0x10000 {
			out = append(out, uint16(cp))
			return
		}
		cp -= 0x10000
		out = append(out,
			uint16(0xD800+((cp>>10)&0x3FF)),
			uint16(0xDC00+(cp&0x3FF)),
		)
	})
	return out
}

// Pending reports whether a multi-byte sequence is partially assembled.
func (d *Decoder) Pending() bool {
	return d.bytesLeft > 0
}

// Replaced returns the number of replacement characters emitted so far.
func (d *Decoder) Replaced() int {
	return d.replaced
}

func (d *Decoder) decode(chunk []byte, emit func(rune)) {
	replace := func() {
		d.replaced++
		emit(replacementChar)
	}

	for i := 0; i < len(chunk); i++ {
		c := uint32(chunk[i])

		if d.bytesLeft == 0 {
			switch {
			case c <= 0x7F:
				emit(rune(c))
			case 0xC0 <= c && c <= 0xDF:
				d.start(c-0xC0, 1, 0x80)
			case 0xE0 <= c && c <= 0xEF:
				d.start(c-0xE0, 2, 0x800)
			case 0xF0 <= c && c <= 0xF7:
				d.start(c-0xF0, 3, 0x10000)
			case 0xF8 <= c && c <= 0xFB:
				d.start(c-0xF8, 4, 0x200000)
			case 0xFC <= c && c <= 0xFD:
				d.start(c-0xFC, 5, 0x4000000)
			default:
				replace()
			}
			continue
		}

		if c < 0x80 || c > 0xBF {
			// Sequence cut short. Re-read this byte as a lead byte so it is
			// not lost.
			replace()
			d.bytesLeft = 0
			i--
			continue
		}

		d.bytesLeft--
		d.codePoint = (d.codePoint << 6) + (c - 0x80)
		if d.bytesLeft > 0 {
			continue
		}

		cp := d.codePoint
		if cp < d.lowerBound || (0xD800 <= cp && cp <= 0xDFFF) || cp > 0x10FFFF {
			replace()
			continue
		}
		emit(rune(cp))
	}
}

func (d *Decoder) start(bits uint32, continuation int, lowerBound uint32) {
	d.codePoint = bits
	d.bytesLeft = continuation
	d.lowerBound = lowerBound
}
