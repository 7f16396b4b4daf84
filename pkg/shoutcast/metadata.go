package shoutcast

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const (
	// BlockUnit is the granularity of an ICY metadata block. The length byte
	// that precedes every block counts units of this size.
	BlockUnit = 16

	// MaxBlockSize is the largest payload a single length byte can describe.
	MaxBlockSize = 255 * BlockUnit
)

// Metadata is the now-playing information carried in an ICY metadata block.
type Metadata struct {
	StreamTitle string
	StreamURL   string
}

// NewMetadata parses the payload of a metadata block (without the length
// byte). Trailing NUL padding is ignored.
func NewMetadata(b []byte) *Metadata {
	m := &Metadata{}

	s := string(bytes.TrimRight(b, "\x00"))
	for _, field := range splitFields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		value = strings.TrimSuffix(strings.TrimPrefix(value, "'"), "'")

		switch key {
		case "StreamTitle":
			m.StreamTitle = value
		case "StreamUrl":
			m.StreamURL = value
		}
	}

	return m
}

// splitFields splits on the "';" terminator so titles containing a bare
// semicolon survive.
func splitFields(s string) []string {
	var fields []string
	for s != "" {
		i := strings.Index(s, "';")
		if i < 0 {
			fields = append(fields, s)
			break
		}
		fields = append(fields, s[:i+1])
		s = s[i+2:]
	}
	return fields
}

// Equals reports whether both values carry the same information.
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.StreamTitle == other.StreamTitle && m.StreamURL == other.StreamURL
}

// Encode returns a complete metadata block: the length byte followed by the
// NUL terminated payload padded with NUL bytes to a multiple of BlockUnit.
// Titles too long for a single block are cut on a rune boundary, keeping the
// closing quote. A StreamUrl that no longer fits is dropped.
func (m *Metadata) Encode() []byte {
	const titleField = len("StreamTitle='';")

	var url string
	if m.StreamURL != "" {
		url = "StreamUrl='" + escape(m.StreamURL) + "';"
	}
	// One byte is kept for the terminating NUL.
	budget := MaxBlockSize - 1 - titleField
	if len(url) > budget {
		url = ""
	}
	title := truncate(escape(m.StreamTitle), budget-len(url))

	payload := "StreamTitle='" + title + "';" + url

	size := paddedSize(len(payload) + 1)
	block := make([]byte, 1+size)
	block[0] = byte(size / BlockUnit)
	copy(block[1:], payload)

	return block
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func paddedSize(n int) int {
	return (n + BlockUnit - 1) / BlockUnit * BlockUnit
}

// escape drops the quote character; ICY has no escaping rule and players
// split on it.
func escape(s string) string {
	return strings.ReplaceAll(s, "'", "")
}
