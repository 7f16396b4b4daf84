package relay

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zachfi/pulsecast/pkg/encoder"
	"github.com/zachfi/pulsecast/pkg/shoutcast"
)

// fakeEncoder serves src until terminated. A nil src blocks until Terminate,
// like a stalled capture device.
type fakeEncoder struct {
	src        io.Reader
	pid        int
	terminated chan struct{}
	once       sync.Once
	calls      atomic.Int32
}

func newFakeEncoder(src io.Reader) *fakeEncoder {
	return &fakeEncoder{src: src, pid: 4242, terminated: make(chan struct{})}
}

func (f *fakeEncoder) Stdout() io.Reader   { return f }
func (f *fakeEncoder) Pid() int            { return f.pid }
func (f *fakeEncoder) Killed() bool        { return false }
func (f *fakeEncoder) Tail(int) []string   { return nil }
func (f *fakeEncoder) wasTerminated() bool { return f.calls.Load() > 0 }

func (f *fakeEncoder) Terminate() error {
	f.calls.Add(1)
	f.once.Do(func() { close(f.terminated) })
	return nil
}

func (f *fakeEncoder) Read(p []byte) (int, error) {
	select {
	case <-f.terminated:
		return 0, os.ErrClosed
	default:
	}
	if f.src == nil {
		<-f.terminated
		return 0, os.ErrClosed
	}
	return f.src.Read(p)
}

// endless produces filler bytes as fast as they are read.
type endless struct{}

func (endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0xAA
	}
	return len(p), nil
}

func testConfig() Config {
	return Config{
		Path:               "/stream.mp3",
		ChunkSize:          1024,
		PrebufferSize:      0,
		StreamName:         "pulsecast",
		Connection:         ConnectionClose,
		SlowWriteThreshold: time.Second,
		ShutdownTimeout:    5 * time.Second,
		Encoder: encoder.Config{
			Path:       "ffmpeg",
			Source:     "default",
			Format:     "mp3",
			Bitrate:    "320k",
			SampleRate: 44100,
			Channels:   2,
		},
	}
}

func newTestRelay(t *testing.T, cfg Config, start StartFunc) (*Relay, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := New(cfg, *logger, reg)
	require.NoError(t, err)
	r.start = start
	return r, reg
}

func serve(t *testing.T, r *Relay) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	r.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func startWith(enc ...*fakeEncoder) StartFunc {
	var i atomic.Int32
	return func(*slog.Logger) (Encoder, error) {
		return enc[int(i.Add(1)-1)], nil
	}
}

func TestStreamHeadersAndBody(t *testing.T) {
	data := bytes.Repeat([]byte("frame"), 1000)
	enc := newFakeEncoder(bytes.NewReader(data))
	r, _ := newTestRelay(t, testConfig(), startWith(enc))
	srv := serve(t, r)

	resp, err := http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "320", resp.Header.Get("icy-br"))
	assert.Empty(t, resp.Header.Get("icy-metaint"))
	assert.Empty(t, resp.TransferEncoding, "raw body without chunking")
	assert.True(t, resp.Close)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)

	require.Eventually(t, enc.wasTerminated, time.Second, 10*time.Millisecond)
}

func TestStreamWithMetadata(t *testing.T) {
	cfg := testConfig()
	cfg.MetadataInterval = 160
	cfg.StreamTitle = "Living room"
	cfg.ChunkSize = 100

	data := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 333)
	r, _ := newTestRelay(t, cfg, startWith(newFakeEncoder(bytes.NewReader(data))))
	srv := serve(t, r)

	resp, err := http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)

	assert.Equal(t, "160", resp.Header.Get("icy-metaint"))
	assert.Equal(t, "pulsecast", resp.Header.Get("icy-name"))

	var titles []string
	s, err := shoutcast.FromResponse(resp)
	require.NoError(t, err)
	s.MetadataCallbackFunc = func(m *shoutcast.Metadata) { titles = append(titles, m.StreamTitle) }
	defer s.Close()

	audio, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, audio)
	assert.Equal(t, len(data)/160, s.Blocks())
	assert.Equal(t, []string{"Living room"}, titles)
}

func TestStreamMetadataOnRequest(t *testing.T) {
	cfg := testConfig()
	cfg.MetadataInterval = 16
	cfg.MetadataOnRequest = true

	data := bytes.Repeat([]byte{9}, 100)
	r, _ := newTestRelay(t, cfg, startWith(newFakeEncoder(bytes.NewReader(data)), newFakeEncoder(bytes.NewReader(data))))
	srv := serve(t, r)

	resp, err := http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("icy-metaint"))
	assert.Equal(t, data, body)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stream.mp3", nil)
	req.Header.Set("Icy-MetaData", "1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "16", resp.Header.Get("icy-metaint"))
	assert.Greater(t, len(body), len(data))
}

func TestStreamKeepAliveAndDeclaredLength(t *testing.T) {
	cfg := testConfig()
	cfg.Connection = ConnectionKeepAlive

	r, _ := newTestRelay(t, cfg, startWith(newFakeEncoder(bytes.NewReader([]byte("abc")))))
	srv := serve(t, r)

	resp, err := http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.False(t, resp.Close)
	assert.Equal(t, "abc", string(body))

	cfg = testConfig()
	cfg.ContentLength = 10
	r, _ = newTestRelay(t, cfg, startWith(newFakeEncoder(endless{})))
	srv = serve(t, r)

	resp, err = http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(10), resp.ContentLength)
	assert.Len(t, body, 10)
}

func TestStreamSpawnFailure(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(), func(*slog.Logger) (Encoder, error) {
		return nil, &encoder.SpawnError{Path: "ffmpeg", Err: os.ErrNotExist}
	})
	srv := serve(t, r)

	resp, err := http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsEnded.WithLabelValues("spawn_error")))
	assert.Zero(t, testutil.ToFloat64(r.metrics.bytesSent))
	assert.Zero(t, r.sessions.count())
}

func TestStreamClientDisconnect(t *testing.T) {
	enc := newFakeEncoder(bytes.NewReader(bytesRange(1, 20)))
	cfg := testConfig()
	cfg.ChunkSize = 8
	r, _ := newTestRelay(t, cfg, startWith(enc))

	w := &failingResponseWriter{header: http.Header{}, limit: 5}
	req := httptest.NewRequest(http.MethodGet, "/stream.mp3", nil)
	r.streamHandler(w, req)

	assert.True(t, enc.wasTerminated())
	assert.Equal(t, 5, w.written)
	assert.Equal(t, 1, w.writes, "no retry")
	assert.Equal(t, 5.0, testutil.ToFloat64(r.metrics.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsEnded.WithLabelValues("client_gone")))
	assert.Zero(t, r.sessions.count())
}

func TestStreamClientGoneWhileEncoderStalled(t *testing.T) {
	enc := newFakeEncoder(nil)
	r, _ := newTestRelay(t, testConfig(), startWith(enc))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream.mp3", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.streamHandler(httptest.NewRecorder(), req)
	}()

	require.Eventually(t, func() bool { return r.sessions.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after the client went away")
	}
	assert.True(t, enc.wasTerminated())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsEnded.WithLabelValues("client_gone")))
	assert.Zero(t, testutil.ToFloat64(r.metrics.sessionsEnded.WithLabelValues("cancelled")))
}

func TestStreamClientDisconnectWithCancelledRequest(t *testing.T) {
	enc := newFakeEncoder(endless{})
	r, _ := newTestRelay(t, testConfig(), startWith(enc))

	// net/http cancels the request context once the connection is gone.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &failingResponseWriter{header: http.Header{}, limit: 1 << 10, onFail: cancel}
	r.streamHandler(w, httptest.NewRequest(http.MethodGet, "/stream.mp3", nil).WithContext(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsEnded.WithLabelValues("client_gone")))
	assert.Zero(t, testutil.ToFloat64(r.metrics.sessionsEnded.WithLabelValues("cancelled")))
}

func TestSessionsAreIsolated(t *testing.T) {
	stalled := newFakeEncoder(endless{})
	healthy := newFakeEncoder(endless{})
	r, _ := newTestRelay(t, testConfig(), startWith(stalled, healthy))
	srv := serve(t, r)

	// A never reads its body: its socket buffers fill and its writes block.
	respA, err := http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	defer respA.Body.Close()

	time.Sleep(100 * time.Millisecond)

	respB, err := http.Get(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	defer respB.Body.Close()

	const want = 8 << 20
	read := make(chan int64, 1)
	go func() {
		n, _ := io.CopyN(io.Discard, respB.Body, want)
		read <- n
	}()

	select {
	case n := <-read:
		assert.Equal(t, int64(want), n)
	case <-time.After(10 * time.Second):
		t.Fatal("a blocked client throttled another session")
	}

	assert.Equal(t, 2, r.sessions.count())
	respA.Body.Close()
	respB.Body.Close()
	srv.CloseClientConnections()

	require.Eventually(t, func() bool { return r.sessions.count() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, stalled.wasTerminated())
	assert.True(t, healthy.wasTerminated())
}

func TestStoppingTearsDownSessions(t *testing.T) {
	encs := []*fakeEncoder{newFakeEncoder(nil), newFakeEncoder(nil), newFakeEncoder(nil)}
	r, _ := newTestRelay(t, testConfig(), startWith(encs...))

	var g errgroup.Group
	for range encs {
		g.Go(func() error {
			req := httptest.NewRequest(http.MethodGet, "/stream.mp3", nil)
			r.streamHandler(httptest.NewRecorder(), req)
			return nil
		})
	}
	require.Eventually(t, func() bool { return r.sessions.count() == len(encs) }, time.Second, 5*time.Millisecond)
	assert.Len(t, r.Sessions(), len(encs))

	require.NoError(t, r.stopping(nil))
	require.NoError(t, g.Wait())

	for _, enc := range encs {
		assert.True(t, enc.wasTerminated())
	}
	assert.Equal(t, float64(len(encs)), testutil.ToFloat64(r.metrics.sessionsEnded.WithLabelValues("cancelled")))

	w := httptest.NewRecorder()
	r.streamHandler(w, httptest.NewRequest(http.MethodGet, "/stream.mp3", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoutes(t *testing.T) {
	r, _ := newTestRelay(t, testConfig(), startWith())
	srv := serve(t, r)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `href="/stream.mp3"`)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	for _, path := range []string{"/favicon.ico", "/other", "/stream.mp3/extra"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err = http.Head(srv.URL + "/stream.mp3")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.Connection = ""
	cfg.StreamTitle = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ConnectionClose, cfg.Connection)
	assert.Equal(t, "pulsecast", cfg.StreamTitle)

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Path = "/" },
		func(c *Config) { c.Path = "stream" },
		func(c *Config) { c.ChunkSize = 0 },
		func(c *Config) { c.PrebufferSize = -1 },
		func(c *Config) { c.MetadataInterval = -1 },
		func(c *Config) { c.Connection = "upgrade" },
		func(c *Config) { c.ContentLength = -5 },
	} {
		cfg := testConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate())
	}
}

// failingResponseWriter accepts limit bytes and then reports a broken pipe.
type failingResponseWriter struct {
	header  http.Header
	limit   int
	written int
	writes  int
	status  int
	onFail  func()
}

func (w *failingResponseWriter) Header() http.Header { return w.header }
func (w *failingResponseWriter) WriteHeader(s int)   { w.status = s }

func (w *failingResponseWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.written+len(p) > w.limit {
		n := w.limit - w.written
		w.written = w.limit
		if w.onFail != nil {
			w.onFail()
		}
		return n, syscall.EPIPE
	}
	w.written += len(p)
	return len(p), nil
}
