package relay

import (
	"context"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/pulsecast/pkg/encoder"
	"github.com/zachfi/pulsecast/pkg/shoutcast"
)

var module = "relay"

// Encoder is the part of an encoder process a session depends on.
type Encoder interface {
	Stdout() io.Reader
	Pid() int
	Terminate() error
	Killed() bool
	Tail(n int) []string
}

// StartFunc starts one encoder for one session.
type StartFunc func(logger *slog.Logger) (Encoder, error)

// Relay accepts stream requests and runs one encoder and one pipe per
// request.
type Relay struct {
	services.Service
	cfg      *Config
	logger   *slog.Logger
	metrics  *metrics
	sessions *registry
	meta     *shoutcast.Metadata
	status   *template.Template

	start StartFunc
}

// New creates and returns a new Relay.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid relay config")
	}

	r := &Relay{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		metrics:  newMetrics(reg),
		sessions: newRegistry(),
		meta:     cfg.metadata(),
		status:   statusTemplate,
	}

	encMetrics := encoder.NewMetrics(namespace, reg)
	r.start = func(logger *slog.Logger) (Encoder, error) {
		return encoder.Start(r.cfg.Encoder,
			encoder.WithLogger(logger.With("component", "encoder")),
			encoder.WithMetrics(encMetrics),
		)
	}

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

// RegisterRoutes adds the status page and the stream to router. Everything
// else is left to the router's not found handler.
func (r *Relay) RegisterRoutes(router *mux.Router) {
	router.Path("/").Methods(http.MethodGet, http.MethodHead).HandlerFunc(r.statusHandler)
	router.Path(r.cfg.Path).Methods(http.MethodGet, http.MethodHead).HandlerFunc(r.streamHandler)
	router.NotFoundHandler = http.HandlerFunc(r.notFoundHandler)
}

// Sessions returns the live sessions, oldest first.
func (r *Relay) Sessions() []SessionInfo {
	return r.sessions.list()
}

func (r *Relay) starting(ctx context.Context) error {
	if _, err := exec.LookPath(r.cfg.Encoder.Path); err != nil {
		r.logger.Warn("encoder binary not found, stream requests will fail", "path", r.cfg.Encoder.Path, "err", err)
	}

	if r.cfg.Encoder.ListSourcesCommand != "" {
		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		sources, err := encoder.ListSources(listCtx, r.cfg.Encoder.ListSourcesCommand)
		if err != nil {
			r.logger.Warn("unable to list capture sources", "err", err)
		}
		for _, s := range sources {
			r.logger.Info("capture source available", "source", s)
		}
	}

	r.logger.Info("relaying",
		"path", r.cfg.Path,
		"source", r.cfg.Encoder.Source,
		"bitrate", r.cfg.Encoder.Bitrate,
		"metadata_interval", r.cfg.MetadataInterval,
	)

	return nil
}

func (r *Relay) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *Relay) stopping(_ error) error {
	r.logger.Info("stopping", "sessions", r.sessions.count())

	r.sessions.shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	if err := r.sessions.wait(ctx); err != nil {
		return errors.Wrapf(err, "%d sessions still open", r.sessions.count())
	}
	return nil
}
