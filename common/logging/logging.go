// Package logging provides the structured, key-value logger used across the
// sync server and client engine. It is a thin wrapper over hclog so call
// sites look like ctx.Logger().Warn("msg", "key", value) throughout the tree.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the structured logger interface used throughout this module.
type Logger = hclog.Logger

// Format selects the on-wire log format.
type Format int

const (
	// FormatLogfmt emits human-readable logfmt lines (the default).
	FormatLogfmt Format = iota
	// FormatJSON emits one JSON object per line, for log aggregators.
	FormatJSON
)

// Options configures the root logger.
type Options struct {
	Level  hclog.Level
	Format Format
	Output io.Writer
}

// New constructs the root logger. Sub-systems should call Named on the
// result rather than constructing their own root.
func New(name string, opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      opts.Level,
		Output:     out,
		JSONFormat: opts.Format == FormatJSON,
	})
}

// ParseLevel maps a level name (as read from the environment) to hclog.Level,
// defaulting to Info on an unrecognized value.
func ParseLevel(s string) hclog.Level {
	lvl := hclog.LevelFromString(s)
	if lvl == hclog.NoLevel {
		return hclog.Info
	}
	return lvl
}
