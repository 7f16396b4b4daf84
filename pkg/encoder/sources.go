package encoder

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// ListSources runs command, eg "pactl list sources short", and returns its
// non-empty output lines. It only informs the operator which capture source
// names are valid; the relay never depends on it.
func ListSources(ctx context.Context, command string) ([]string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, nil
	}

	out, err := exec.CommandContext(ctx, fields[0], fields[1:]...).Output()
	if err != nil {
		return nil, errors.Wrapf(err, "list sources with %q", command)
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	return lines, sc.Err()
}
