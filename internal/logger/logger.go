package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated log files.
// For a game server console, when ConsolePath/ErrorPath are empty and Dir is
// set, files are Dir/<name>.console.log and Dir/<name>.error.log.
type FileConfig struct {
	Dir         string `mapstructure:"dir"`
	ConsolePath string `mapstructure:"console_path"`
	ErrorPath   string `mapstructure:"error_path"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Config is the logging section of the daemon configuration.
type Config struct {
	Level      string     `mapstructure:"level"`  // debug, info, warn, error
	Format     string     `mapstructure:"format"` // text, json, color
	Timestamps bool       `mapstructure:"timestamps"`
	File       FileConfig `mapstructure:"file"`
}

// ProcessWriters returns rotating writers for a server's console output
// (stdout) and error stream (stderr). Either may be nil when not configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	out := c.File.ConsolePath
	errp := c.File.ErrorPath
	if out == "" && c.File.Dir != "" {
		out = filepath.Join(c.File.Dir, fmt.Sprintf("%s.console.log", name))
	}
	if errp == "" && c.File.Dir != "" {
		errp = filepath.Join(c.File.Dir, fmt.Sprintf("%s.error.log", name))
	}
	var outW, errW io.WriteCloser
	if out != "" {
		outW = c.File.rotating(out)
	}
	if errp != "" {
		errW = c.File.rotating(errp)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Handler builds the slog handler described by c writing to w.
func (c Config) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if !c.Timestamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "color":
		return NewColorTextHandler(w, opts, c.Timestamps)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// New returns the daemon logger. With File.Dir set it writes to a rotated
// Dir/gamevisor.log, otherwise to stderr. The returned closer releases the file.
func New(c Config) (*slog.Logger, io.Closer, error) {
	if c.File.Dir == "" {
		return slog.New(c.Handler(os.Stderr)), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	w := c.File.rotating(filepath.Join(c.File.Dir, "gamevisor.log"))
	return slog.New(c.Handler(w)), w, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
