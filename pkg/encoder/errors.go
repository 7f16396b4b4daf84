package encoder

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrSpawn matches every error returned by Start.
var ErrSpawn = errors.New("encoder spawn failed")

// SpawnError reports an encoder that could not be started: missing binary,
// permissions, or pipe setup.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start encoder %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }
