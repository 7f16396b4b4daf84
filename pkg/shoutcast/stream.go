package shoutcast

import (
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
)

// MetadataCallbackFunc is the type of the function called when the stream metadata changes
type MetadataCallbackFunc func(m *Metadata)

// Stream reads an ICY stream and returns only the audio bytes.
type Stream struct {
	// The name of the stream, from the icy-name header
	Name string

	// Optional function to be executed when stream metadata changes
	MetadataCallbackFunc MetadataCallbackFunc

	// Amount of bytes to read before expecting a metadata block
	metaint int

	// Stream metadata
	metadata *Metadata

	// The number of audio bytes read since last metadata block
	pos int

	// Number of metadata blocks consumed, including empty ones
	blocks int

	// The underlying data stream
	rc io.ReadCloser
}

// NewReader wraps rc, which carries a metadata block every metaint audio
// bytes. A metaint of zero means the stream has no metadata.
func NewReader(rc io.ReadCloser, metaint int) *Stream {
	return &Stream{
		metaint: metaint,
		rc:      rc,
	}
}

// FromResponse wraps the body of an HTTP response, reading the cadence and the
// stream name from the icy headers.
func FromResponse(resp *http.Response) (*Stream, error) {
	var metaint int
	if raw := resp.Header.Get("icy-metaint"); raw != "" {
		var err error
		metaint, err = strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse metaint")
		}
	}

	s := NewReader(resp.Body, metaint)
	s.Name = resp.Header.Get("icy-name")

	return s, nil
}

// Read implements the standard Read interface. It never returns metadata
// bytes and never reads past a metadata boundary in a single underlying call.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.metaint == 0 {
		return s.rc.Read(buf)
	}

	if s.pos == s.metaint {
		if err := s.readMetadata(); err != nil {
			return 0, err
		}
	}

	want := min(len(buf), s.metaint-s.pos)
	n, err := s.rc.Read(buf[:want])
	s.pos += n

	return n, err
}

func (s *Stream) readMetadata() error {
	var lengthByte [1]byte
	if _, err := io.ReadFull(s.rc, lengthByte[:]); err != nil {
		return err
	}

	size := int(lengthByte[0]) * BlockUnit
	if size > 0 {
		payload := make([]byte, size)
		if _, err := io.ReadFull(s.rc, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		if m := NewMetadata(payload); !m.Equals(s.metadata) {
			s.metadata = m
			if s.MetadataCallbackFunc != nil {
				s.MetadataCallbackFunc(m)
			}
		}
	}

	s.blocks++
	s.pos = 0

	return nil
}

// Metadata returns the last metadata seen, or nil.
func (s *Stream) Metadata() *Metadata {
	return s.metadata
}

// Blocks returns how many metadata blocks have been consumed.
func (s *Stream) Blocks() int {
	return s.blocks
}

// Close closes the stream
func (s *Stream) Close() error {
	return s.rc.Close()
}
