// Package logging builds the zerolog loggers shared by the server binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Options selects level, output format and an optional append-mode log file.
type Options struct {
	Level  string
	Format string // "console" or "json"
	File   string
	// Fs opens File. Defaults to the OS filesystem.
	Fs afero.Fs
	// Out is the console destination. Defaults to stderr.
	Out io.Writer
}

// New returns a logger and a closer for the log file, if one was opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var console io.Writer = out
	if !strings.EqualFold(opts.Format, "json") {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writer := console
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		fs := opts.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		f, err := fs.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		// the file always receives JSON lines
		writer = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// ParseLevel maps a configured level name to a zerolog level. Empty means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level %q: %w", name, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
