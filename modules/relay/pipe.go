package relay

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zachfi/pulsecast/pkg/shoutcast"
)

var (
	// ErrSourceRead ends a session whose encoder output failed.
	ErrSourceRead = errors.New("encoder read failed")
	// ErrSinkWrite ends a session whose client went away.
	ErrSinkWrite = errors.New("client write failed")
)

type PipeConfig struct {
	ChunkSize          int
	PrebufferSize      int
	SlowWriteThreshold time.Duration
}

// Pipe forwards one encoder's output to one client. Reads and writes are
// synchronous; the pipe and socket buffers are the only elasticity.
type Pipe struct {
	cfg     PipeConfig
	meta    *shoutcast.Interleaver
	sent    *atomic.Int64
	audio   atomic.Int64
	logger  *slog.Logger
	metrics *metrics

	inspected  bool
	slowLogged bool
}

// newPipe returns a Pipe adding written bytes to sent. meta may be nil to
// forward audio without metadata.
func newPipe(cfg PipeConfig, meta *shoutcast.Interleaver, sent *atomic.Int64, logger *slog.Logger, m *metrics) *Pipe {
	if sent == nil {
		sent = &atomic.Int64{}
	}
	return &Pipe{
		cfg:     cfg,
		meta:    meta,
		sent:    sent,
		logger:  logger,
		metrics: m,
	}
}

// Run relays src to dst until src is exhausted (nil) or either side fails
// (ErrSourceRead, ErrSinkWrite). It never retries.
func (p *Pipe) Run(src io.Reader, dst io.Writer) error {
	if p.cfg.PrebufferSize > 0 {
		done, err := p.prebuffer(src, dst)
		if done || err != nil {
			return err
		}
	}

	buf := make([]byte, p.cfg.ChunkSize)
	for {
		want := len(buf)
		if p.meta != nil {
			want = min(want, p.meta.Remaining())
		}

		n, rerr := p.read(src, buf[:want])
		if n > 0 {
			p.inspect(buf[:n])
			if err := p.forward(dst, buf[:n]); err != nil {
				return err
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrSourceRead, rerr)
		}
		if n == 0 {
			return nil
		}
	}
}

// BytesSent is the number of bytes accepted by the client, metadata included.
func (p *Pipe) BytesSent() int64 {
	return p.sent.Load()
}

// AudioBytes is the number of encoder bytes accepted by the client.
func (p *Pipe) AudioBytes() int64 {
	return p.audio.Load()
}

// prebuffer fills the prebuffer and writes it in a single write. done is true
// when the source ended while filling.
func (p *Pipe) prebuffer(src io.Reader, dst io.Writer) (done bool, err error) {
	start := time.Now()
	buf := make([]byte, p.cfg.PrebufferSize)

	filled := 0
	var rerr error
	for filled < len(buf) {
		var n int
		n, rerr = p.read(src, buf[filled:])
		filled += n
		if rerr != nil {
			break
		}
		if n == 0 {
			rerr = io.EOF
			break
		}
	}

	elapsed := time.Since(start)
	p.metrics.prebufferSeconds.Observe(elapsed.Seconds())
	p.logger.Debug("prebuffer filled", "bytes", filled, "elapsed", elapsed)

	if filled > 0 {
		audio := buf[:filled]
		p.inspect(audio)

		out := audio
		if p.meta != nil {
			before := p.meta.Blocks()
			out = p.meta.Interleave(make([]byte, 0, filled+len(p.meta.Block())*(filled/p.meta.Cadence()+1)), audio)
			p.metrics.metadataBlocks.Add(float64(p.meta.Blocks() - before))
		}

		if _, err := p.write(dst, out); err != nil {
			return true, err
		}
		p.audio.Add(int64(filled))
	}

	if rerr != nil {
		if errors.Is(rerr, io.EOF) {
			return true, nil
		}
		return true, fmt.Errorf("%w: %w", ErrSourceRead, rerr)
	}

	return false, nil
}

// forward writes audio followed by a metadata block when the boundary was
// reached. The caller keeps audio within the boundary.
func (p *Pipe) forward(dst io.Writer, audio []byte) error {
	n, err := p.write(dst, audio)
	p.audio.Add(int64(n))
	if err != nil {
		return err
	}

	if p.meta != nil && p.meta.Advance(n) {
		if _, err := p.write(dst, p.meta.Block()); err != nil {
			return err
		}
		p.metrics.metadataBlocks.Inc()
	}

	return nil
}

func (p *Pipe) read(src io.Reader, b []byte) (int, error) {
	start := time.Now()
	n, err := src.Read(b)
	p.metrics.readSeconds.Observe(time.Since(start).Seconds())
	return n, err
}

func (p *Pipe) write(dst io.Writer, b []byte) (int, error) {
	start := time.Now()
	n, err := dst.Write(b)
	elapsed := time.Since(start)

	p.sent.Add(int64(n))
	p.metrics.bytesSent.Add(float64(n))
	p.metrics.writeSeconds.Observe(elapsed.Seconds())

	if p.cfg.SlowWriteThreshold > 0 && elapsed > p.cfg.SlowWriteThreshold {
		p.metrics.slowWrites.Inc()
		// Once per session; the metric counts the rest.
		if !p.slowLogged {
			p.slowLogged = true
			p.logger.Warn("slow client write", "bytes", len(b), "elapsed", elapsed, "sent", p.sent.Load())
		}
	}

	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	return n, nil
}

// inspect logs once when the stream does not open on an MP3 frame. The bytes
// are forwarded unchanged either way.
func (p *Pipe) inspect(b []byte) {
	if p.inspected {
		return
	}
	p.inspected = true

	if off := findMP3FrameSync(b); off != 0 {
		p.logger.Debug("encoder output does not start on an MP3 frame", "offset", off, "bytes", len(b))
	}
}
