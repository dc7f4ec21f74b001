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

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Formats accepted by Config.Format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// FileConfig describes file destinations. Path is the daemon log; Dir holds the
// per-run output archives <Dir>/<name>.stdout.log and <Dir>/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config describes the daemon logger and run output archiving.
type Config struct {
	Level    string     `mapstructure:"level"`  // debug, info, warn, error
	Format   string     `mapstructure:"format"` // text or json
	Color    bool       `mapstructure:"color"`
	ShowTime bool       `mapstructure:"show_time"`
	File     FileConfig `mapstructure:"file"`
}

// New builds a slog.Logger from cfg. The returned closer releases the log file
// when one is configured and is never nil.
func New(cfg Config) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File.Path != "" {
		f := cfg.File.rotating(cfg.File.Path)
		w, closer = f, f
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, FormatJSON):
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color && cfg.File.Path == "":
		h = NewColorTextHandler(w, opts, cfg.ShowTime)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
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

// Writers returns rotating writers archiving stdout and stderr of the run called name.
// Both are nil when no archive directory is configured.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.File.Dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	name = sanitize(name)
	outW := c.File.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name)))
	errW := c.File.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name)))
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

// sanitize keeps archive names inside Dir.
func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	name = r.Replace(name)
	if name == "" {
		return "run"
	}
	return name
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
