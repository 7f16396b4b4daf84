package encoder

import (
	"strconv"
)

// Args returns the encoder argument vector for cfg. The order is fixed so
// that two sessions of the same configuration run identical commands.
func Args(cfg Config) []string {
	logLevel := cfg.LogLevel
	if !validLogLevel(logLevel) {
		logLevel = defaultLogLevel
	}

	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", logLevel,
		"-stats",
		// Low latency capture: no input probing buffer, flush every packet.
		"-fflags", "nobuffer",
		"-f", cfg.InputFormat,
		"-i", cfg.Source,
		"-acodec", cfg.Codec,
		"-b:a", cfg.Bitrate,
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-flush_packets", "1",
		"-f", cfg.Format,
		"pipe:1",
	}
}

func validLogLevel(v string) bool {
	switch v {
	case "quiet", "panic", "fatal", "error", "warning", "info", "verbose", "debug", "trace":
		return true
	default:
		return false
	}
}
