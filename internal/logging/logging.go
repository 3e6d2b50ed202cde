// Package logging builds the process logger: human-readable console output on
// stderr and an optional rotated JSON file.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/config"
)

// New returns a logger writing to console in cfg.Format and, when
// cfg.LogFile is set, to a rotated JSON file. Close the returned closer on
// exit.
func New(cfg config.LoggerConfig, console io.Writer) (zerolog.Logger, io.Closer) {
	if console == nil {
		console = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = console
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: console}
	}

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer
}

// Init installs the logger built by New as the global zerolog logger.
func Init(cfg config.LoggerConfig) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger, closer := New(cfg, os.Stderr)
	log.Logger = logger
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
