package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dskow/cacheproxy/internal/config"
)

// Output is the process logger together with the pieces reload needs.
type Output struct {
	Logger *slog.Logger
	level  *slog.LevelVar
	file   *fileSink
	path   string
}

// New builds a JSON slog logger writing to cfg.Output: "stdout", "stderr" or
// a file path that rotates by size under the retention limits in cfg.
func New(cfg config.LoggingConfig) (*Output, error) {
	level := new(slog.LevelVar)
	if err := setLevel(level, cfg.Level); err != nil {
		return nil, err
	}

	o := &Output{level: level, path: cfg.Output}
	var w io.Writer
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		fs, err := openFileSink(cfg)
		if err != nil {
			return nil, err
		}
		w, o.file = fs, fs
	}
	o.Logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	return o, nil
}

// Apply picks up a reloaded logging section. The level and, for file output,
// the size and retention limits change in place; a different output needs a
// restart and is reported as false.
func (o *Output) Apply(cfg config.LoggingConfig) bool {
	if err := setLevel(o.level, cfg.Level); err != nil {
		o.Logger.Warn("ignoring log level", "error", err)
	}
	if sameOutput(cfg.Output, o.path) {
		if o.file != nil {
			o.file.setRetention(retentionFrom(cfg))
		}
		return true
	}
	return false
}

func sameOutput(a, b string) bool {
	if a == "" {
		a = "stdout"
	}
	if b == "" {
		b = "stdout"
	}
	return a == b
}

// Level returns the current minimum level.
func (o *Output) Level() slog.Level { return o.level.Level() }

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

func setLevel(v *slog.LevelVar, name string) error {
	if name == "" {
		v.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	v.Set(l)
	return nil
}
