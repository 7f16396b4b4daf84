package relay

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zachfi/pulsecast/pkg/shoutcast"
)

// streamHandler runs one session: start an encoder, send the headers, relay
// until either side ends, tear the encoder down.
func (r *Relay) streamHandler(w http.ResponseWriter, req *http.Request) {
	sess, ctx, err := r.sessions.open(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer r.sessions.close(sess)

	withMeta := r.metadataEnabled(req)
	if req.Method == http.MethodHead {
		r.setStreamHeaders(w.Header(), withMeta)
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, span := otel.Tracer(module).Start(ctx, "relay.session")
	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("client.address", sess.RemoteAddr),
		attribute.Bool("icy.metadata", withMeta),
	)

	logger := r.logger.With("session", sess.ID, "client", sess.RemoteAddr)

	r.metrics.sessionsActive.Inc()
	defer r.metrics.sessionsActive.Dec()

	enc, err := r.start(logger)
	if err != nil {
		r.metrics.sessionsEnded.WithLabelValues("spawn_error").Inc()
		_ = tracing.ErrHandler(span, err, "failed to start encoder", logger)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	sess.setPID(enc.Pid())
	logger = logger.With("pid", enc.Pid())
	logger.Info("streaming", "user_agent", sess.UserAgent, "active", r.sessions.count())

	// A stalled encoder read is only unblocked by killing the encoder.
	stop := context.AfterFunc(ctx, func() { _ = enc.Terminate() })
	defer func() {
		stop()
		sess.setState(StateClosing)
		if err := enc.Terminate(); err != nil {
			logger.Debug("encoder exited", "err", err)
		}
		if enc.Killed() {
			logger.Warn("encoder had to be killed")
		}
	}()

	r.setStreamHeaders(w.Header(), withMeta)
	w.WriteHeader(http.StatusOK)

	sink := newFlushWriter(w, r.cfg.ContentLength)
	_ = sink.flush()

	var meta *shoutcast.Interleaver
	if withMeta {
		meta = shoutcast.NewInterleaver(r.cfg.MetadataInterval, r.meta)
	}

	pipe := newPipe(r.cfg.pipeConfig(), meta, &sess.sent, logger, r.metrics)
	err = pipe.Run(enc.Stdout(), sink)

	// A request context cancelled outside shutdown is the client leaving.
	reason := "source_eof"
	switch {
	case errors.Is(err, errLengthReached):
		reason = "length_reached"
		logger.Info("declared content length sent", "sent", sess.BytesSent())
		err = nil
	case ctx.Err() != nil && r.sessions.closing():
		reason = "cancelled"
		logger.Info("session cancelled", "sent", sess.BytesSent())
		err = nil
	case errors.Is(err, ErrSinkWrite), ctx.Err() != nil:
		reason = "client_gone"
		logger.Info("client disconnected", "sent", sess.BytesSent())
		err = nil
	case err == nil:
		logger.Info("encoder output ended", "sent", sess.BytesSent())
	default:
		reason = "source_error"
		logger.Warn("encoder output failed", "err", err, "sent", sess.BytesSent(), "stderr", strings.Join(enc.Tail(5), " | "))
	}

	r.metrics.sessionsEnded.WithLabelValues(reason).Inc()
	span.SetAttributes(
		attribute.Int64("session.sent_bytes", sess.BytesSent()),
		attribute.String("session.end_reason", reason),
	)
	_ = tracing.ErrHandler(span, err, "session failed", nil)
}

func (r *Relay) metadataEnabled(req *http.Request) bool {
	if r.cfg.MetadataInterval <= 0 {
		return false
	}
	return !r.cfg.MetadataOnRequest || req.Header.Get("Icy-MetaData") == "1"
}

func (r *Relay) setStreamHeaders(h http.Header, withMeta bool) {
	h.Set("Content-Type", contentType(r.cfg.Encoder.Format))
	h.Set("Cache-Control", "no-cache")

	switch r.cfg.Connection {
	case ConnectionKeepAlive:
		h.Set("Connection", "keep-alive")
	default:
		h.Set("Connection", "close")
		if r.cfg.ContentLength == 0 {
			// Raw body, delimited by the connection close.
			h.Set("Transfer-Encoding", "identity")
		}
	}

	if r.cfg.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(r.cfg.ContentLength, 10))
	}

	if br := strings.TrimSuffix(strings.ToLower(r.cfg.Encoder.Bitrate), "k"); br != "" {
		if _, err := strconv.Atoi(br); err == nil {
			h.Set("icy-br", br)
		}
	}

	if withMeta {
		h.Set("icy-metaint", strconv.Itoa(r.cfg.MetadataInterval))
		h.Set("icy-name", r.cfg.StreamName)
	}
}

func contentType(format string) string {
	switch format {
	case "adts", "aac":
		return "audio/aac"
	case "ogg", "opus":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}

func (r *Relay) notFoundHandler(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/favicon.ico" {
		r.logger.Debug("not found", "path", req.URL.Path, "client", clientAddr(req.RemoteAddr))
	}
	http.NotFound(w, req)
}

var errLengthReached = errors.New("declared content length reached")

// flushWriter pushes every write to the client immediately. With a positive
// limit it stops accepting bytes once limit bytes were written.
type flushWriter struct {
	w       io.Writer
	rc      *http.ResponseController
	noFlush bool

	limited   bool
	remaining int64
}

func newFlushWriter(w http.ResponseWriter, limit int64) *flushWriter {
	return &flushWriter{
		w:         w,
		rc:        http.NewResponseController(w),
		limited:   limit > 0,
		remaining: limit,
	}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	var capped bool
	if f.limited && int64(len(p)) > f.remaining {
		p = p[:f.remaining]
		capped = true
	}

	n, err := f.w.Write(p)
	if f.limited {
		f.remaining -= int64(n)
	}
	if err != nil {
		return n, err
	}
	if err := f.flush(); err != nil {
		return n, err
	}
	if capped {
		return n, errLengthReached
	}
	return n, nil
}

func (f *flushWriter) flush() error {
	if f.noFlush {
		return nil
	}
	err := f.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		f.noFlush = true
		return nil
	}
	return err
}
