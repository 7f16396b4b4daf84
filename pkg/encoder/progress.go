package encoder

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Progress is one parsed encoder statistics line, eg:
//
//	size=    1234kB time=00:00:12.34 bitrate= 320.0kbits/s speed=1.00x
type Progress struct {
	SizeKB      float64
	Time        time.Duration
	BitrateKBPS float64
	Speed       float64
}

// ParseProgress extracts the statistics fields from line. It returns nil when
// the line is not a statistics line.
func ParseProgress(line string) *Progress {
	if !strings.Contains(line, "time=") || !strings.Contains(line, "bitrate=") {
		return nil
	}

	p := &Progress{}
	found := false

	if v := field(line, "size="); v != "" {
		v = strings.TrimSuffix(strings.TrimSuffix(v, "KiB"), "kB")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.SizeKB = f
			found = true
		}
	}

	if v := field(line, "time="); v != "" && v != "N/A" {
		if d, err := parseClock(v); err == nil {
			p.Time = d
			found = true
		}
	}

	if v := field(line, "bitrate="); v != "" && v != "N/A" {
		v = strings.TrimSuffix(strings.TrimSuffix(v, "kbits/s"), "kb/s")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.BitrateKBPS = f
			found = true
		}
	}

	if v := field(line, "speed="); v != "" && v != "N/A" {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "x"), 64); err == nil {
			p.Speed = f
			found = true
		}
	}

	if !found {
		return nil
	}
	return p
}

// field returns the value following key, which may be padded with spaces.
func field(line, key string) string {
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(line[idx+len(key):], " ")
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		return rest[:end]
	}
	return rest
}

// parseClock parses HH:MM:SS.ss.
func parseClock(v string) (time.Duration, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, errors.Errorf("invalid clock %q", v)
	}

	var total float64
	for i, unit := range []float64{3600, 60, 1} {
		f, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid clock %q", v)
		}
		total += f * unit
	}

	return time.Duration(total * float64(time.Second)), nil
}
