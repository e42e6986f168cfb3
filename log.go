package tdbcore

import (
	"io"

	"github.com/rs/zerolog"
)

// newDefaultLogger returns a disabled logger, matching the teacher's
// zero-config Open(opts) ergonomics: diagnostics exist but are silent
// unless a caller opts in via Options.Logger.
func newDefaultLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
