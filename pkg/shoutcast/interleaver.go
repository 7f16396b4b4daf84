package shoutcast

// Interleaver tracks the ICY cadence for a single outgoing stream. It does not
// own any I/O; the caller asks how many audio bytes may be forwarded before
// the next block and reports how many were actually forwarded.
//
// An Interleaver is not safe for concurrent use.
type Interleaver struct {
	cadence   int
	remaining int
	block     []byte
	blocks    int
}

// NewInterleaver returns an Interleaver emitting the encoded form of m every
// cadence audio bytes. The cadence must be positive.
func NewInterleaver(cadence int, m *Metadata) *Interleaver {
	if cadence <= 0 {
		panic("shoutcast: interleaver cadence must be positive")
	}
	if m == nil {
		m = &Metadata{}
	}

	return &Interleaver{
		cadence:   cadence,
		remaining: cadence,
		block:     m.Encode(),
	}
}

// Cadence is the number of audio bytes between two metadata blocks.
func (i *Interleaver) Cadence() int {
	return i.cadence
}

// Remaining is the number of audio bytes left before the next block is due.
func (i *Interleaver) Remaining() int {
	return i.remaining
}

// Advance records n forwarded audio bytes. It returns true when the boundary
// was reached, in which case the caller must write Block() before any further
// audio. n must not exceed Remaining().
func (i *Interleaver) Advance(n int) bool {
	if n > i.remaining {
		panic("shoutcast: advanced past metadata boundary")
	}

	i.remaining -= n
	if i.remaining > 0 {
		return false
	}

	i.remaining = i.cadence
	i.blocks++
	return true
}

// Block returns the encoded metadata block. The returned slice is shared and
// must not be modified.
func (i *Interleaver) Block() []byte {
	return i.block
}

// Blocks is the number of boundaries reached so far.
func (i *Interleaver) Blocks() int {
	return i.blocks
}

// Interleave appends audio to dst, inserting a block at every boundary that
// falls inside it, and returns the extended slice.
func (i *Interleaver) Interleave(dst, audio []byte) []byte {
	for len(audio) > 0 {
		n := min(len(audio), i.remaining)
		dst = append(dst, audio[:n]...)
		audio = audio[n:]
		if i.Advance(n) {
			dst = append(dst, i.block...)
		}
	}
	return dst
}
