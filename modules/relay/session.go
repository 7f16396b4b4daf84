package relay

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type State string

const (
	StateActive  State = "active"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

var errShuttingDown = errors.New("relay is shutting down")

// Session is one client connection to the stream, from accept to teardown.
type Session struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	StartedAt  time.Time

	sent   atomic.Int64
	pid    atomic.Int64
	state  atomic.Value // State
	cancel context.CancelFunc
}

// SessionInfo is a point in time copy of a Session.
type SessionInfo struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	StartedAt  time.Time
	BytesSent  int64
	PID        int
	State      State
}

func (s *Session) BytesSent() int64 {
	return s.sent.Load()
}

func (s *Session) State() State {
	return s.state.Load().(State)
}

func (s *Session) setState(st State) {
	s.state.Store(st)
}

func (s *Session) setPID(pid int) {
	s.pid.Store(int64(pid))
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		RemoteAddr: s.RemoteAddr,
		UserAgent:  s.UserAgent,
		StartedAt:  s.StartedAt,
		BytesSent:  s.BytesSent(),
		PID:        int(s.pid.Load()),
		State:      s.State(),
	}
}

// registry tracks live sessions so shutdown can cancel and wait for them.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
	active   atomic.Int64
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

// open registers a session for req. The returned context is cancelled when the
// request ends or the registry shuts down.
func (r *registry) open(req *http.Request) (*Session, context.Context, error) {
	ctx, cancel := context.WithCancel(req.Context())

	s := &Session{
		ID:         uuid.New().String(),
		RemoteAddr: clientAddr(req.RemoteAddr),
		UserAgent:  req.UserAgent(),
		StartedAt:  time.Now(),
		cancel:     cancel,
	}
	s.setState(StateActive)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		cancel()
		return nil, nil, errShuttingDown
	}

	r.sessions[s.ID] = s
	r.wg.Add(1)
	r.active.Add(1)

	return s, ctx, nil
}

func (r *registry) close(s *Session) {
	s.setState(StateClosed)
	s.cancel()

	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	if ok {
		r.active.Add(-1)
		r.wg.Done()
	}
}

func (r *registry) count() int {
	return int(r.active.Load())
}

// list returns the live sessions, oldest first.
func (r *registry) list() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// closing reports whether shutdown has started.
func (r *registry) closing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// shutdown refuses new sessions and cancels the live ones.
func (r *registry) shutdown() {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.setState(StateClosing)
		s.cancel()
	}
}

// wait blocks until every session has closed or ctx is done.
func (r *registry) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clientAddr strips the port and the IPv4-mapped IPv6 prefix.
func clientAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	return strings.TrimPrefix(host, "::ffff:")
}
