package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes
type Options struct {
	Level   string
	File    string // rotated log file, empty to log to stderr only
	Console bool   // human readable output when stderr is a terminal
}

// Setup configures the global zerolog logger. The returned closer flushes the log
// file, if any.
func Setup(opts Options) io.Closer {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl, err := zerolog.ParseLevel(opts.Level); err == nil && opts.Level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer = os.Stderr
	if opts.Console && isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
