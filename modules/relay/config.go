package relay

import (
	"flag"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/pulsecast/pkg/encoder"
	"github.com/zachfi/pulsecast/pkg/shoutcast"
)

const (
	defaultPath               = "/stream.mp3"
	defaultChunkSize          = 8192
	defaultPrebufferSize      = 16 * 1024
	defaultStreamName         = "pulsecast"
	defaultSlowWriteThreshold = 500 * time.Millisecond
	defaultShutdownTimeout    = 10 * time.Second

	ConnectionClose     = "close"
	ConnectionKeepAlive = "keep-alive"
)

type Config struct {
	Path          string `yaml:"path,omitempty"`
	ChunkSize     int    `yaml:"chunk-size,omitempty"`
	PrebufferSize int    `yaml:"prebuffer-size,omitempty"`

	// MetadataInterval is the ICY cadence in audio bytes. Zero disables
	// metadata interleaving.
	MetadataInterval  int    `yaml:"metadata-interval,omitempty"`
	MetadataOnRequest bool   `yaml:"metadata-on-request,omitempty"` // only interleave for clients sending Icy-MetaData: 1
	StreamName        string `yaml:"stream-name,omitempty"`
	StreamTitle       string `yaml:"stream-title,omitempty"`

	// Connection is "close" (identity body, connection closed at stream end)
	// or "keep-alive" (chunked body).
	Connection string `yaml:"connection,omitempty"`
	// ContentLength, when positive, is declared on every stream response even
	// though the stream is unbounded. Some renderers refuse a body without a
	// length; the stream ends once this many bytes have been sent.
	ContentLength int64 `yaml:"content-length,omitempty"`

	SlowWriteThreshold time.Duration `yaml:"slow-write-threshold,omitempty"`
	ShutdownTimeout    time.Duration `yaml:"shutdown-timeout,omitempty"`

	Encoder encoder.Config `yaml:"encoder,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "path"), defaultPath, "HTTP path of the stream.")
	f.IntVar(&cfg.ChunkSize, util.PrefixConfig(prefix, "chunk-size"), defaultChunkSize, "Maximum bytes read from the encoder per write.")
	f.IntVar(&cfg.PrebufferSize, util.PrefixConfig(prefix, "prebuffer-size"), defaultPrebufferSize,
		"Bytes accumulated from a new encoder before the first write to the client. 0 disables prebuffering.")
	f.IntVar(&cfg.MetadataInterval, util.PrefixConfig(prefix, "metadata-interval"), 0,
		"ICY metadata cadence in audio bytes, eg: 16000. 0 disables metadata.")
	f.BoolVar(&cfg.MetadataOnRequest, util.PrefixConfig(prefix, "metadata-on-request"), false,
		"Only interleave metadata for clients that send Icy-MetaData: 1.")
	f.StringVar(&cfg.StreamName, util.PrefixConfig(prefix, "stream-name"), defaultStreamName, "Stream name sent as icy-name.")
	f.StringVar(&cfg.StreamTitle, util.PrefixConfig(prefix, "stream-title"), "", "StreamTitle carried in metadata blocks. Defaults to the stream name.")
	f.StringVar(&cfg.Connection, util.PrefixConfig(prefix, "connection"), ConnectionClose, "Connection handling for stream responses: close or keep-alive.")
	f.Int64Var(&cfg.ContentLength, util.PrefixConfig(prefix, "content-length"), 0,
		"Declared Content-Length for stream responses, for clients that require one. 0 omits the header.")
	f.DurationVar(&cfg.SlowWriteThreshold, util.PrefixConfig(prefix, "slow-write-threshold"), defaultSlowWriteThreshold,
		"Client writes slower than this are logged.")
	f.DurationVar(&cfg.ShutdownTimeout, util.PrefixConfig(prefix, "shutdown-timeout"), defaultShutdownTimeout,
		"How long shutdown waits for sessions to be torn down.")

	cfg.Encoder.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "encoder"), f)
}

// Validate checks the configuration and fills in derived defaults.
func (cfg *Config) Validate() error {
	if !strings.HasPrefix(cfg.Path, "/") || cfg.Path == "/" {
		return errors.Errorf("invalid stream path %q", cfg.Path)
	}
	if cfg.ChunkSize <= 0 {
		return errors.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.PrebufferSize < 0 {
		return errors.Errorf("prebuffer size must not be negative, got %d", cfg.PrebufferSize)
	}
	if cfg.MetadataInterval < 0 {
		return errors.Errorf("metadata interval must not be negative, got %d", cfg.MetadataInterval)
	}
	if cfg.ContentLength < 0 {
		return errors.Errorf("content length must not be negative, got %d", cfg.ContentLength)
	}

	switch cfg.Connection {
	case "":
		cfg.Connection = ConnectionClose
	case ConnectionClose, ConnectionKeepAlive:
	default:
		return errors.Errorf("unknown connection mode %q", cfg.Connection)
	}

	if cfg.StreamTitle == "" {
		cfg.StreamTitle = cfg.StreamName
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return nil
}

func (cfg *Config) metadata() *shoutcast.Metadata {
	return &shoutcast.Metadata{StreamTitle: cfg.StreamTitle}
}

func (cfg *Config) pipeConfig() PipeConfig {
	return PipeConfig{
		ChunkSize:          cfg.ChunkSize,
		PrebufferSize:      cfg.PrebufferSize,
		SlowWriteThreshold: cfg.SlowWriteThreshold,
	}
}
