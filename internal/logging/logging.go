// Package logging builds the structured logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format     string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json auto"`
	Output     string `mapstructure:"output" yaml:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Logger is a slog.Logger whose level can be changed after construction.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out, closer, terminal, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)
	return &Logger{
		Logger: slog.New(newHandler(out, cfg.Format, terminal, levelVar)),
		level:  levelVar,
		closer: closer,
	}, nil
}

// NewWithWriter is used by tests and by callers that own their sink.
func NewWithWriter(w io.Writer, level, format string) (*Logger, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(parsed)
	return &Logger{
		Logger: slog.New(newHandler(w, format, false, levelVar)),
		level:  levelVar,
	}, nil
}

func (l *Logger) SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.Set(parsed)
	return nil
}

func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func newHandler(w io.Writer, format string, terminal bool, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		if terminal {
			return slog.NewTextHandler(w, opts)
		}
		return slog.NewJSONHandler(w, opts)
	}
}

func openOutput(cfg Config) (io.Writer, io.Closer, bool, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stderr":
		return os.Stderr, nil, isTerminal(os.Stderr.Fd()), nil
	case "stdout":
		return os.Stdout, nil, isTerminal(os.Stdout.Fd()), nil
	}
	path := strings.TrimSpace(cfg.Output)
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return rotating, rotating, false, nil
}
