package renderer

import (
	"flag"
	"strings"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultScheme          = "x-rincon-mp3radio"
	defaultTitle           = "pulsecast"
	defaultControlPort     = 1400
	defaultControlPath     = "/MediaRenderer/AVTransport/Control"
	defaultTimeout         = 5 * time.Second
	defaultMinCallInterval = 100 * time.Millisecond
)

type Config struct {
	// Devices are renderer addresses, host or host:port.
	Devices flagext.StringSliceCSV `yaml:"devices,omitempty"`

	// StreamURL overrides the URL pushed to the devices. When empty it is
	// derived from AdvertiseAddr, or the local address facing each device.
	StreamURL     string `yaml:"stream-url,omitempty"`
	AdvertiseAddr string `yaml:"advertise-addr,omitempty"`

	// Scheme replaces http:// in the pushed URL. Empty keeps http.
	Scheme string `yaml:"scheme,omitempty"`
	Title  string `yaml:"title,omitempty"`

	ControlPort     int           `yaml:"control-port,omitempty"`
	ControlPath     string        `yaml:"control-path,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	MinCallInterval time.Duration `yaml:"min-call-interval,omitempty"`
	StopOnShutdown  bool          `yaml:"stop-on-shutdown,omitempty"`

	Backoff backoff.Config `yaml:"backoff,omitempty"`

	// Set by the app from the server and relay config.
	StreamPort int    `yaml:"-"`
	StreamPath string `yaml:"-"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Devices, util.PrefixConfig(prefix, "devices"), "Comma separated renderer addresses to push the stream to, eg: 192.168.1.30,192.168.1.31:1400")
	f.StringVar(&cfg.StreamURL, util.PrefixConfig(prefix, "stream-url"), "", "Stream URL pushed to the renderers. Derived from the listen port when empty.")
	f.StringVar(&cfg.AdvertiseAddr, util.PrefixConfig(prefix, "advertise-addr"), "", "Host the renderers should connect to. Defaults to the local address facing each renderer.")
	f.StringVar(&cfg.Scheme, util.PrefixConfig(prefix, "scheme"), defaultScheme, "URL scheme the renderer expects for radio streams. Empty keeps http.")
	f.StringVar(&cfg.Title, util.PrefixConfig(prefix, "title"), defaultTitle, "Title shown by the renderer.")
	f.IntVar(&cfg.ControlPort, util.PrefixConfig(prefix, "control-port"), defaultControlPort, "Renderer control port, used when a device has no port.")
	f.StringVar(&cfg.ControlPath, util.PrefixConfig(prefix, "control-path"), defaultControlPath, "AVTransport control path on the renderer.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), defaultTimeout, "Timeout for a single control call.")
	f.DurationVar(&cfg.MinCallInterval, util.PrefixConfig(prefix, "min-call-interval"), defaultMinCallInterval, "Minimum delay between control calls to the same renderer.")
	f.BoolVar(&cfg.StopOnShutdown, util.PrefixConfig(prefix, "stop-on-shutdown"), true, "Stop playback on the renderers at shutdown.")

	f.DurationVar(&cfg.Backoff.MinBackoff, util.PrefixConfig(prefix, "backoff.min-period"), time.Second, "Minimum delay before retrying a failed push. Only used when backoff.max-retries is above 1.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, util.PrefixConfig(prefix, "backoff.max-period"), 10*time.Second, "Maximum delay before retrying a failed push. Only used when backoff.max-retries is above 1.")
	f.IntVar(&cfg.Backoff.MaxRetries, util.PrefixConfig(prefix, "backoff.max-retries"), 1, "Push attempts per renderer. The default of 1 never retries.")
}

// Validate checks the configuration and fills in derived defaults.
func (cfg *Config) Validate() error {
	for _, d := range cfg.Devices {
		if strings.TrimSpace(d) == "" {
			return errors.New("empty renderer address")
		}
	}
	if len(cfg.Devices) > 0 && cfg.StreamURL == "" && cfg.StreamPort <= 0 {
		return errors.New("renderer needs a stream-url or the server listen port")
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/"
	}
	if cfg.ControlPort <= 0 {
		cfg.ControlPort = defaultControlPort
	}
	if cfg.ControlPath == "" {
		cfg.ControlPath = defaultControlPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}
	// dskit reads 0 as unlimited; a push is never retried forever.
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = 1
	}
	return nil
}
