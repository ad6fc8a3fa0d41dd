// Package framer splits the notification byte stream into classified packets.
//
// The stream carries frames that start with the marker "aaaa" (hex). A frame
// runs up to, but not including, the next marker occurrence. Frames whose
// header is "aaaa048002" are small packets, frames whose header is "aaaa20"
// are large packets; anything else between two markers is skipped. Payloads
// are not escaped, so a marker pattern inside a payload splits the frame.
package framer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	Marker      = "aaaa"
	SmallHeader = "aaaa048002"
	LargeHeader = "aaaa20"

	// DefaultCapacity bounds the pending hex text (512 small frames).
	DefaultCapacity = 64 * 1024
)

// ErrOverflow is reported when a single frame outgrows the buffer capacity.
var ErrOverflow = errors.New("frame exceeds buffer capacity")

var (
	markerBytes = []byte(Marker)
	smallBytes  = []byte(SmallHeader)
	largeBytes  = []byte(LargeHeader)
)

// Kind classifies a framed packet.
type Kind int

const (
	Small Kind = iota
	Large
)

func (k Kind) String() string {
	switch k {
	case Small:
		return "small"
	case Large:
		return "large"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Packet is one framed packet as lowercase hex text, marker included.
type Packet struct {
	Kind Kind
	Hex  string
}

// HexBuffer accumulates the lowercase hex rendering of received bytes.
type HexBuffer struct {
	buf []byte
}

// Append encodes data as lowercase hex and appends it.
func (h *HexBuffer) Append(data []byte) {
	n := len(h.buf)
	h.buf = append(h.buf, make([]byte, hex.EncodedLen(len(data)))...)
	hex.Encode(h.buf[n:], data)
}

// Len returns the pending hex length.
func (h *HexBuffer) Len() int { return len(h.buf) }

// String returns the pending hex text.
func (h *HexBuffer) String() string { return string(h.buf) }

// discard drops the first n hex characters.
func (h *HexBuffer) discard(n int) {
	if n >= len(h.buf) {
		h.buf = h.buf[:0]
		return
	}
	h.buf = append(h.buf[:0], h.buf[n:]...)
}

// Stats counts what the framer did with the input.
type Stats struct {
	Small     int64 // small packets emitted
	Large     int64 // large packets emitted
	Skipped   int64 // unclassified segments between markers
	Discarded int64 // hex characters dropped before the first marker
	Overflows int64 // frames dropped for exceeding capacity
}

// Framer turns hex text into classified packets. Not safe for concurrent use;
// the owning task serializes access.
type Framer struct {
	buf      HexBuffer
	capacity int
	stats    Stats
}

// New creates a Framer. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Framer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Framer{capacity: capacity}
}

// Feed appends a notification payload.
func (f *Framer) Feed(data []byte) {
	f.buf.Append(data)
}

// Pending returns the number of hex characters not yet consumed.
func (f *Framer) Pending() int { return f.buf.Len() }

// Stats returns the counters.
func (f *Framer) Stats() Stats { return f.stats }

// Scan emits every frame that is terminated by a following marker and
// consumes its text. The last, unterminated frame stays pending. It returns
// ErrOverflow alongside the packets when the pending frame was dropped for
// exceeding the capacity.
func (f *Framer) Scan() ([]Packet, error) {
	var out []Packet

	if !f.alignToMarker() {
		return nil, f.enforceCapacity()
	}

	for {
		data := f.buf.buf
		kind, header := classify(data)

		from := 1
		if header > 0 {
			// at least one hex digit must follow the header
			from = header + 1
		}
		if from >= len(data) {
			break
		}
		next := bytes.Index(data[from:], markerBytes)
		if next < 0 {
			break
		}
		end := from + next

		if header > 0 {
			out = append(out, Packet{Kind: kind, Hex: string(data[:end])})
			f.count(kind)
		} else {
			f.stats.Skipped++
		}
		f.buf.discard(end)
	}

	return out, f.enforceCapacity()
}

// Flush emits the pending frame as if a marker followed it and empties the
// buffer. Used at end of stream.
func (f *Framer) Flush() ([]Packet, error) {
	out, err := f.Scan()

	data := f.buf.buf
	if kind, header := classify(data); header > 0 && len(data) > header {
		out = append(out, Packet{Kind: kind, Hex: string(data)})
		f.count(kind)
	} else if len(data) > 0 {
		f.stats.Skipped++
	}
	f.buf.discard(f.buf.Len())
	return out, err
}

// Reset drops all pending text. Counters are kept.
func (f *Framer) Reset() {
	f.buf.discard(f.buf.Len())
}

// alignToMarker drops text before the first marker. It reports whether the
// buffer now starts with a marker.
func (f *Framer) alignToMarker() bool {
	data := f.buf.buf
	i := bytes.Index(data, markerBytes)
	if i < 0 {
		// keep a possible partial marker at the tail
		keep := len(Marker) - 1
		if len(data) > keep {
			f.stats.Discarded += int64(len(data) - keep)
			f.buf.discard(len(data) - keep)
		}
		return false
	}
	if i > 0 {
		f.stats.Discarded += int64(i)
		f.buf.discard(i)
	}
	return true
}

func (f *Framer) enforceCapacity() error {
	pending := f.buf.Len()
	if pending <= f.capacity {
		return nil
	}
	f.stats.Overflows++
	f.buf.discard(pending - (len(Marker) - 1))
	return fmt.Errorf("%w: %d hex chars pending, capacity %d", ErrOverflow, pending, f.capacity)
}

func (f *Framer) count(k Kind) {
	if k == Small {
		f.stats.Small++
	} else {
		f.stats.Large++
	}
}

// classify returns the kind and header length of a frame starting at data[0].
// A header length of 0 means the frame is unclassified.
func classify(data []byte) (Kind, int) {
	switch {
	case bytes.HasPrefix(data, smallBytes):
		return Small, len(smallBytes)
	case bytes.HasPrefix(data, largeBytes):
		return Large, len(largeBytes)
	default:
		return 0, 0
	}
}
