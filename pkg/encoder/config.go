package encoder

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultPath        = "ffmpeg"
	defaultInputFormat = "pulse"
	defaultSource      = "default"
	defaultCodec       = "mp3"
	defaultFormat      = "mp3"
	defaultBitrate     = "320k"
	defaultSampleRate  = 44100
	defaultChannels    = 2
	defaultLogLevel    = "warning"
	defaultStopTimeout = 2 * time.Second
	defaultTailLines   = 20
)

// Config is the fixed argument contract of the encoder process. It is read
// once at startup and shared by every session.
type Config struct {
	Path        string        `yaml:"path,omitempty"`
	InputFormat string        `yaml:"input-format,omitempty"`
	Source      string        `yaml:"source,omitempty"`
	Codec       string        `yaml:"codec,omitempty"`
	Format      string        `yaml:"format,omitempty"`
	Bitrate     string        `yaml:"bitrate,omitempty"`
	SampleRate  int           `yaml:"sample-rate,omitempty"`
	Channels    int           `yaml:"channels,omitempty"`
	LogLevel    string        `yaml:"log-level,omitempty"`
	StopTimeout time.Duration `yaml:"stop-timeout,omitempty"` // SIGTERM to SIGKILL escalation delay
	TailLines   int           `yaml:"tail-lines,omitempty"`   // stderr lines kept for failure reports

	ListSourcesCommand string `yaml:"list-sources-command,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "path"), defaultPath, "Encoder binary, looked up in PATH when not absolute.")
	f.StringVar(&cfg.InputFormat, util.PrefixConfig(prefix, "input-format"), defaultInputFormat, "Capture input format passed to -f.")
	f.StringVar(&cfg.Source, util.PrefixConfig(prefix, "source"), defaultSource, "Capture source name, eg: alsa_input.usb-xxx.iec958-stereo")
	f.StringVar(&cfg.Codec, util.PrefixConfig(prefix, "codec"), defaultCodec, "Audio codec.")
	f.StringVar(&cfg.Format, util.PrefixConfig(prefix, "format"), defaultFormat, "Output container format.")
	f.StringVar(&cfg.Bitrate, util.PrefixConfig(prefix, "bitrate"), defaultBitrate, "Audio bitrate.")
	f.IntVar(&cfg.SampleRate, util.PrefixConfig(prefix, "sample-rate"), defaultSampleRate, "Output sample rate in Hz.")
	f.IntVar(&cfg.Channels, util.PrefixConfig(prefix, "channels"), defaultChannels, "Output channel count.")
	f.StringVar(&cfg.LogLevel, util.PrefixConfig(prefix, "log-level"), defaultLogLevel, "Encoder log level.")
	f.DurationVar(&cfg.StopTimeout, util.PrefixConfig(prefix, "stop-timeout"), defaultStopTimeout,
		"How long to wait after SIGTERM before the encoder is killed.")
	f.IntVar(&cfg.TailLines, util.PrefixConfig(prefix, "tail-lines"), defaultTailLines, "Number of encoder stderr lines kept for diagnostics.")
	f.StringVar(&cfg.ListSourcesCommand, util.PrefixConfig(prefix, "list-sources-command"), "pactl list sources short",
		"Command logged at startup to show the available capture sources. Empty disables it.")
}
