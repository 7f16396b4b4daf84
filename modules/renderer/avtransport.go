package renderer

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	avTransport   = "urn:schemas-upnp-org:service:AVTransport:1"
	soapEnvelope  = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncoding  = "http://schemas.xmlsoap.org/soap/encoding/"
	maxFaultBytes = 64 * 1024
)

// ErrControl is returned for a control call the renderer rejected or never
// answered.
var ErrControl = errors.New("renderer control call failed")

// FaultError is a UPnP error returned by the renderer.
type FaultError struct {
	Action      string
	Code        int
	Description string
}

func (e *FaultError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: upnp error %d: %s", e.Action, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: upnp error %d", e.Action, e.Code)
}

func (e *FaultError) Is(target error) bool {
	return target == ErrControl
}

// Client issues AVTransport calls to renderers. Calls to one renderer are
// spaced by the configured minimum interval.
type Client struct {
	cfg     *Config
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(cfg *Config, logger *slog.Logger, m *metrics) *Client {
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		metrics:  m,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Push replaces whatever the renderer is playing with streamURL and starts
// playback. Failures are logged and reported as false.
func (c *Client) Push(ctx context.Context, device, streamURL string) bool {
	ctx, span := otel.Tracer(module).Start(ctx, "renderer.push", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("renderer.device", device),
		attribute.String("renderer.uri", streamURL),
	)

	logger := c.logger.With("device", device)

	// The renderer may already be stopped or may not keep a queue.
	if err := c.call(ctx, device, "Stop", instance()); err != nil {
		logger.Debug("stop before push failed", "err", err)
	}
	if err := c.call(ctx, device, "RemoveAllTracksFromQueue", instance()); err != nil {
		logger.Debug("clearing queue failed", "err", err)
	}

	err := c.call(ctx, device, "SetAVTransportURI", instance(
		arg("CurrentURI", streamURL),
		arg("CurrentURIMetaData", didl(c.cfg.Title)),
	))
	if err == nil {
		err = c.call(ctx, device, "Play", instance(arg("Speed", "1")))
	}

	if tracing.ErrHandler(span, err, "failed to push stream", logger) != nil {
		return false
	}

	logger.Info("stream pushed", "uri", streamURL)
	return true
}

// Stop stops playback on the renderer.
func (c *Client) Stop(ctx context.Context, device string) bool {
	ctx, span := otel.Tracer(module).Start(ctx, "renderer.stop", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("renderer.device", device))

	logger := c.logger.With("device", device)
	err := c.call(ctx, device, "Stop", instance())
	if tracing.ErrHandler(span, err, "failed to stop renderer", logger) != nil {
		return false
	}

	logger.Info("renderer stopped")
	return true
}

// ControlURL is the AVTransport endpoint of device.
func (c *Client) ControlURL(device string) string {
	return "http://" + c.hostPort(device) + c.cfg.ControlPath
}

func (c *Client) hostPort(device string) string {
	if _, _, err := net.SplitHostPort(device); err == nil {
		return device
	}
	return net.JoinHostPort(strings.Trim(device, "[]"), strconv.Itoa(c.cfg.ControlPort))
}

func (c *Client) call(ctx context.Context, device, action string, args []argument) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.observe(action, err, time.Since(start))
	}()

	if err := c.limiter(device).Wait(ctx); err != nil {
		return errors.Wrap(err, action)
	}

	body, err := encodeAction(action, args)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", action)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ControlURL(device), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, action)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, avTransport, action))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrControl, action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if fault := decodeFault(action, io.LimitReader(resp.Body, maxFaultBytes)); fault != nil {
		return fault
	}
	return fmt.Errorf("%w: %s: status %d", ErrControl, action, resp.StatusCode)
}

func (c *Client) limiter(device string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[device]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 1)
		if c.cfg.MinCallInterval > 0 {
			l = rate.NewLimiter(rate.Every(c.cfg.MinCallInterval), 1)
		}
		c.limiters[device] = l
	}
	return l
}

type argument struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func arg(name, value string) argument {
	return argument{XMLName: xml.Name{Local: name}, Value: value}
}

func instance(args ...argument) []argument {
	return append([]argument{arg("InstanceID", "0")}, args...)
}

type envelope struct {
	XMLName       xml.Name `xml:"s:Envelope"`
	NS            string   `xml:"xmlns:s,attr"`
	EncodingStyle string   `xml:"s:encodingStyle,attr"`
	Body          struct {
		Action action
	} `xml:"s:Body"`
}

type action struct {
	XMLName xml.Name
	NS      string `xml:"xmlns:u,attr"`
	Args    []argument
}

func encodeAction(name string, args []argument) ([]byte, error) {
	env := envelope{NS: soapEnvelope, EncodingStyle: soapEncoding}
	env.Body.Action = action{
		XMLName: xml.Name{Local: "u:" + name},
		NS:      avTransport,
		Args:    args,
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type faultEnvelope struct {
	Body struct {
		Fault struct {
			FaultString string `xml:"faultstring"`
			Detail      struct {
				UPnPError struct {
					ErrorCode        int    `xml:"errorCode"`
					ErrorDescription string `xml:"errorDescription"`
				} `xml:"UPnPError"`
			} `xml:"detail"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// decodeFault returns the UPnP error carried by a failed response, or nil
// when the body is not a SOAP fault.
func decodeFault(action string, r io.Reader) *FaultError {
	var env faultEnvelope
	if err := xml.NewDecoder(r).Decode(&env); err != nil {
		return nil
	}

	f := env.Body.Fault
	if f.Detail.UPnPError.ErrorCode == 0 && f.FaultString == "" {
		return nil
	}

	desc := f.Detail.UPnPError.ErrorDescription
	if desc == "" {
		desc = f.FaultString
	}
	return &FaultError{Action: action, Code: f.Detail.UPnPError.ErrorCode, Description: desc}
}

// didl is the DIDL-Lite item describing the stream as a radio broadcast.
func didl(title string) string {
	var escaped strings.Builder
	_ = xml.EscapeText(&escaped, []byte(title))

	return `<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" ` +
		`xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" ` +
		`xmlns:r="urn:schemas-rinconnetworks-com:metadata-1-0/" ` +
		`xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">` +
		`<item id="R:0/0/0" parentID="R:0/0" restricted="true">` +
		`<dc:title>` + escaped.String() + `</dc:title>` +
		`<upnp:class>object.item.audioItem.audioBroadcast</upnp:class>` +
		`<desc id="cdudn" nameSpace="urn:schemas-rinconnetworks-com:metadata-1-0/">SA_RINCON65031_</desc>` +
		`</item></DIDL-Lite>`
}

// RewriteScheme replaces the http scheme of url with scheme. Other URLs, and
// an empty or http scheme, leave url unchanged.
func RewriteScheme(url, scheme string) string {
	if scheme == "" || scheme == "http" {
		return url
	}
	rest, ok := strings.CutPrefix(url, "http://")
	if !ok {
		return url
	}
	return scheme + "://" + rest
}
