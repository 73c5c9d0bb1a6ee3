// Package log provides flarekv's package-level structured logger, a thin
// zerolog wrapper configured once at process start.
package log

import (
	"os"

	"github.com/rs/zerolog"
)

// L is the logger every flarekv package logs through. It writes a
// human-readable console format when stderr is a terminal and plain JSON
// otherwise, mirroring zerolog's own recommended setup.
var L zerolog.Logger

func init() {
	if isTerminal(os.Stderr.Fd()) {
		L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return
	}
	L = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func isTerminal(fd uintptr) bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
