package renderer

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var module = "renderer"

// Renderer points the configured playback devices at the stream once the
// relay is up, and stops them again on shutdown.
type Renderer struct {
	services.Service
	cfg    *Config
	logger *slog.Logger
	client *Client

	// dial finds the local address a device would connect back to.
	dial func(network, address string) (net.Conn, error)

	mu     sync.Mutex
	pushed []string
}

// New creates and returns a new Renderer.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid renderer config")
	}

	r := &Renderer{
		cfg:    &cfg,
		logger: logger.With("module", module),
		dial:   net.Dial,
	}
	r.client = NewClient(r.cfg, r.logger, newMetrics(reg))

	r.Service = services.NewBasicService(nil, r.running, r.stopping)

	return r, nil
}

// Pushed returns the devices currently playing the stream.
func (r *Renderer) Pushed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pushed...)
}

func (r *Renderer) running(ctx context.Context) error {
	if len(r.cfg.Devices) == 0 {
		r.logger.Debug("no renderers configured")
		<-ctx.Done()
		return nil
	}

	r.pushAll(ctx)

	<-ctx.Done()
	return nil
}

// pushAll pushes the stream to every device concurrently. A device that
// cannot be reached is logged and skipped.
func (r *Renderer) pushAll(ctx context.Context) {
	var g errgroup.Group
	for _, device := range r.cfg.Devices {
		g.Go(func() error {
			if r.push(ctx, device) {
				r.mu.Lock()
				r.pushed = append(r.pushed, device)
				r.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Renderer) push(ctx context.Context, device string) bool {
	logger := r.logger.With("device", device)

	url, err := r.streamURL(device)
	if err != nil {
		logger.Error("unable to derive stream url", "err", err)
		r.client.metrics.push(device, false)
		return false
	}
	url = RewriteScheme(url, r.cfg.Scheme)

	// One attempt unless backoff.max-retries asks for more.
	var attempts int
	b := backoff.New(ctx, r.cfg.Backoff)
	for b.Ongoing() {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		ok := r.client.Push(callCtx, device, url)
		cancel()

		if ok {
			r.client.metrics.push(device, true)
			return true
		}
		if attempts >= r.cfg.Backoff.MaxRetries {
			break
		}
		logger.Warn("push failed, will retry", "attempt", attempts)
		b.Wait()
	}

	r.client.metrics.push(device, false)
	logger.Error("push to renderer failed", "attempts", attempts, "err", b.Err())
	return false
}

func (r *Renderer) stopping(_ error) error {
	if !r.cfg.StopOnShutdown {
		return nil
	}

	var g errgroup.Group
	for _, device := range r.Pushed() {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
			defer cancel()
			r.client.Stop(ctx, device)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.pushed = nil
	r.mu.Unlock()

	return nil
}

// streamURL is the configured URL, or the relay's address as seen from
// device.
func (r *Renderer) streamURL(device string) (string, error) {
	if r.cfg.StreamURL != "" {
		return r.cfg.StreamURL, nil
	}

	host := r.cfg.AdvertiseAddr
	if host == "" {
		ip, err := r.localAddr(r.client.hostPort(device))
		if err != nil {
			return "", err
		}
		host = ip
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.cfg.StreamPort)) + r.cfg.StreamPath, nil
}

// localAddr returns the local IP the kernel would route to address from. No
// packets are sent.
func (r *Renderer) localAddr(address string) (string, error) {
	conn, err := r.dial("udp", address)
	if err != nil {
		return "", errors.Wrapf(err, "no route to %s", address)
	}
	defer func() { _ = conn.Close() }()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
