package encoder

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Option configures a Process.
type Option func(*Process)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Process) { p.metrics = m }
}

// WithLineHandler registers fn to receive every non-empty stderr line. fn runs
// on the drain goroutine and must not block.
func WithLineHandler(fn func(line string)) Option {
	return func(p *Process) { p.onLine = fn }
}

func WithStopTimeout(d time.Duration) Option {
	return func(p *Process) { p.stopTimeout = d }
}

func WithTailLines(n int) Option {
	return func(p *Process) { p.tail = newTail(n) }
}

// Process is one running encoder. Its stdout carries the encoded stream; its
// stderr is drained continuously on a dedicated goroutine so a full
// diagnostic pipe can never stall the encoder.
type Process struct {
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	started time.Time

	logger      *slog.Logger
	metrics     *Metrics
	onLine      func(string)
	stopTimeout time.Duration
	tail        *tail

	drained chan struct{} // closed when stderr reached EOF
	exited  chan struct{} // closed when the process was reaped
	waitErr error

	progress atomic.Pointer[Progress]
	killed   atomic.Bool

	termOnce sync.Once
	termErr  error
}

// Start launches the encoder described by cfg.
func Start(cfg Config, opts ...Option) (*Process, error) {
	opts = append([]Option{WithStopTimeout(cfg.StopTimeout), WithTailLines(cfg.TailLines)}, opts...)
	return Spawn(cfg.Path, Args(cfg), opts...)
}

// Spawn launches path with args under the same supervision as Start. Errors
// match ErrSpawn.
func Spawn(path string, args []string, opts ...Option) (*Process, error) {
	p := &Process{
		logger:      slog.Default(),
		stopTimeout: defaultStopTimeout,
		drained:     make(chan struct{}),
		exited:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.tail == nil {
		p.tail = newTail(defaultTailLines)
	}
	if p.stopTimeout <= 0 {
		p.stopTimeout = defaultStopTimeout
	}

	bin, err := exec.LookPath(path)
	if err != nil {
		p.metrics.start(false)
		return nil, &SpawnError{Path: path, Err: err}
	}

	// The pipes are created here rather than with StdoutPipe so that Wait
	// never closes the read side while buffered audio is still unread.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		p.metrics.start(false)
		return nil, &SpawnError{Path: bin, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		p.metrics.start(false)
		return nil, &SpawnError{Path: bin, Err: err}
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		p.metrics.start(false)
		return nil, &SpawnError{Path: bin, Err: err}
	}
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	p.cmd = cmd
	p.stdout = stdoutR
	p.stderr = stderrR
	p.started = time.Now()
	p.logger = p.logger.With("pid", cmd.Process.Pid)
	p.metrics.start(true)

	go p.drain()
	go p.reap()

	p.logger.Debug("encoder started", "path", bin, "args", strings.Join(args, " "))

	return p, nil
}

// Stdout returns the encoded output stream. Reads fail once Terminate has
// returned.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Err returns the wait error after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// Killed reports whether teardown had to escalate to SIGKILL.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// Progress returns the latest statistics line, or nil.
func (p *Process) Progress() *Progress {
	return p.progress.Load()
}

// Tail returns up to n of the most recent diagnostic lines, oldest first.
func (p *Process) Tail(n int) []string {
	return p.tail.last(n)
}

// Terminate stops the encoder: SIGTERM to the process group, SIGKILL after
// the stop timeout, then reap. The group is signalled even when the leader
// already exited, since helpers it left behind may still hold the pipes. The
// wait for the stderr drain is bounded too; both read ends are closed on
// return. Every call returns the result of the first one, concurrent callers
// block until it is complete.
func (p *Process) Terminate() error {
	p.termOnce.Do(func() {
		p.termErr = p.terminate()
	})
	return p.termErr
}

func (p *Process) terminate() error {
	if err := signalGroup(p.cmd, sigTerm); err != nil {
		p.logger.Debug("failed to signal encoder", "signal", "SIGTERM", "err", err)
	}
	p.metrics.signal("SIGTERM")

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()

	if !waitOrExpire(p.exited, timer.C) || !waitOrExpire(p.drained, timer.C) {
		p.killed.Store(true)
		p.logger.Warn("encoder ignored SIGTERM, killing", "timeout", p.stopTimeout)
		if err := signalGroup(p.cmd, sigKill); err != nil {
			p.logger.Error("failed to kill encoder", "err", err)
		}
		p.metrics.signal("SIGKILL")
		<-p.exited
	}

	// A process outside the group can still hold stderr open.
	grace := time.NewTimer(p.stopTimeout)
	defer grace.Stop()
	if !waitOrExpire(p.drained, grace.C) {
		p.logger.Warn("encoder diagnostics still open after kill, abandoning")
		_ = p.stderr.Close()
		<-p.drained
	}
	_ = p.stdout.Close()

	return p.waitErr
}

// waitOrExpire reports whether done closed before expired fired.
func waitOrExpire(done <-chan struct{}, expired <-chan time.Time) bool {
	select {
	case <-done:
		return true
	default:
	}
	select {
	case <-done:
		return true
	case <-expired:
		return false
	}
}

func (p *Process) reap() {
	p.waitErr = p.cmd.Wait()
	p.metrics.exited(time.Since(p.started).Seconds())
	close(p.exited)
}

func (p *Process) drain() {
	r := p.stderr
	defer close(p.drained)
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(scanLines)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		prog := ParseProgress(line)
		p.metrics.line(prog)
		if prog != nil {
			p.progress.Store(prog)
		} else {
			p.tail.add(line)
			p.logger.Debug("encoder", "line", line)
		}

		if p.onLine != nil {
			p.onLine(line)
		}
	}

	if err := sc.Err(); err != nil {
		p.logger.Warn("encoder diagnostics unreadable, discarding", "err", err)
		// Keep the pipe empty until EOF.
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanLines splits on '\n' and on the bare '\r' used by statistics lines.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
