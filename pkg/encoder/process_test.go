//go:build unix

package encoder

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shell(t *testing.T, script string, opts ...Option) *Process {
	t.Helper()
	p, err := Spawn("sh", []string{"-c", script}, opts...)
	require.NoError(t, err)
	return p
}

func TestSpawnMissingBinary(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	_, err := Spawn("/nonexistent/encoder", nil, WithMetrics(m))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/encoder", spawnErr.Path)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.starts.WithLabelValues("failure")))
}

func TestStartUsesConfig(t *testing.T) {
	_, err := Start(Config{Path: "definitely-not-an-encoder-binary"})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestProcessForwardsStdout(t *testing.T) {
	p := shell(t, `printf 'encoded-bytes'; echo 'a warning' >&2`)

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "encoded-bytes", string(out))

	<-p.Done()
	require.NoError(t, p.Terminate())
	assert.False(t, p.Killed())
	assert.Equal(t, []string{"a warning"}, p.Tail(5))
}

func TestTerminateGraceful(t *testing.T) {
	p := shell(t, `echo ready; exec sleep 30`, WithStopTimeout(5*time.Second))
	waitReady(t, p)

	start := time.Now()
	err := p.Terminate()
	assert.Error(t, err, "sleep dies from SIGTERM")
	assert.False(t, p.Killed())
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("process not reaped")
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	p := shell(t, `trap '' TERM; echo ready; while :; do sleep 0.05; done`,
		WithStopTimeout(200*time.Millisecond), WithMetrics(m))
	waitReady(t, p)

	start := time.Now()
	_ = p.Terminate()
	elapsed := time.Since(start)

	assert.True(t, p.Killed())
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("process not reaped")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("SIGTERM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("SIGKILL")))

	_, err := p.Stdout().Read(make([]byte, 1))
	assert.Error(t, err, "stdout is released after terminate")
}

func TestTerminateIsIdempotent(t *testing.T) {
	p := shell(t, `echo ready; exec sleep 30`)
	waitReady(t, p)

	first := p.Terminate()

	var g errgroup.Group
	var mu sync.Mutex
	var results []error
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			err := p.Terminate()
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, err := range results {
		assert.Equal(t, first, err)
	}
}

func TestTerminateSignalsGroupAfterLeaderExit(t *testing.T) {
	cases := map[string]struct {
		script string
		killed bool
	}{
		"helper exits on term": {
			script: `sleep 3 & exit 0`,
		},
		"helper ignores term": {
			script: `(trap '' TERM; sleep 3) & exit 0`,
			killed: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := shell(t, tc.script, WithStopTimeout(200*time.Millisecond))
			<-p.Done()

			start := time.Now()
			require.NoError(t, p.Terminate())
			assert.Less(t, time.Since(start), 2*time.Second)
			assert.Equal(t, tc.killed, p.Killed())
		})
	}
}

func TestTerminateAbandonsEscapedHelper(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}

	// The helper leaves the process group but keeps both pipes open.
	p := shell(t, `setsid sleep 2 & exit 0`, WithStopTimeout(200*time.Millisecond))
	<-p.Done()

	start := time.Now()
	require.NoError(t, p.Terminate())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDiagnosticsNeverStallOutput(t *testing.T) {
	// Far more stderr than a pipe buffer holds, before any stdout.
	script := `i=0; while [ $i -lt 4000 ]; do echo "diagnostic line $i with some padding to fill the pipe" >&2; i=$((i+1)); done; printf done`

	var lines int
	p := shell(t, script, WithLineHandler(func(string) { lines++ }))
	defer p.Terminate()

	done := make(chan []byte, 1)
	go func() {
		out, _ := io.ReadAll(p.Stdout())
		done <- out
	}()

	select {
	case out := <-done:
		assert.Equal(t, "done", string(out))
	case <-time.After(10 * time.Second):
		t.Fatal("encoder stalled on a full diagnostic pipe")
	}

	require.NoError(t, p.Terminate())
	assert.Equal(t, 4000, lines)
	assert.Len(t, p.Tail(100), defaultTailLines)
	assert.Equal(t, "diagnostic line 3999 with some padding to fill the pipe", p.Tail(1)[0])
}

func TestProgressLines(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	p := shell(t, `printf 'size=      10kB time=00:00:01.50 bitrate= 320.0kbits/s speed=1.01x\r' >&2; printf 'size=      20kB time=00:00:02.00 bitrate= 320.0kbits/s speed=0.99x\r' >&2`,
		WithMetrics(m))
	<-p.Done()
	require.NoError(t, p.Terminate())

	prog := p.Progress()
	require.NotNil(t, prog)
	assert.Equal(t, 20.0, prog.SizeKB)
	assert.Equal(t, 2*time.Second, prog.Time)
	assert.Equal(t, 0.99, prog.Speed)
	assert.Empty(t, p.Tail(5))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.lines.WithLabelValues("progress")))
}

func TestListSources(t *testing.T) {
	lines, err := ListSources(context.Background(), "printf %s\\n\\n alsa_output.monitor alsa_input.iec958")
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	lines, err = ListSources(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, lines)

	_, err = ListSources(context.Background(), "/nonexistent/pactl list")
	assert.Error(t, err)
}

func waitReady(t *testing.T, p *Process) {
	t.Helper()
	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready", strings.TrimSpace(line))
}
