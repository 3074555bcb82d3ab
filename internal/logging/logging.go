// Package logging builds the zerolog logger shared by the CLI, the HTTP
// server and the workflow runner.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Options struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Out receives debug through warn; Err receives error and above. Both
	// default to os.Stderr so stdout stays free for command output.
	Out io.Writer `mapstructure:"-"`
	Err io.Writer `mapstructure:"-"`
}

func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

func New(opts Options) (zerolog.Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	out, errOut := opts.Out, opts.Err
	if out == nil {
		out = os.Stderr
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	wrap := func(w io.Writer) io.Writer { return w }
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatConsole:
		wrap = func(w io.Writer) io.Writer {
			return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (want console or json)", opts.Format)
	}

	writer := zerolog.MultiLevelWriter(
		LevelWriter{
			Writer: wrap(out),
			Levels: []zerolog.Level{zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel},
		},
		LevelWriter{
			Writer: wrap(errOut),
			Levels: []zerolog.Level{zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel},
		},
	)
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger(), nil
}

// LevelWriter forwards only the listed levels.
type LevelWriter struct {
	io.Writer
	Levels []zerolog.Level
}

func (w LevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, l := range w.Levels {
		if l == level {
			return w.Write(p)
		}
	}
	return len(p), nil
}
