package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/commrelay/commrelay/internal/config"
)

const megabyte = 1 << 20

// New constructs a slog.Logger configured according to the provided settings.
// When cfg.File is set, records go to stdout and are appended to that file,
// which is rotated by size. The returned close func releases it.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	out := io.Writer(os.Stdout)
	closeFn := func() error { return nil }

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f := rotatingFile(cfg)
		out = io.MultiWriter(os.Stdout, f)
		closeFn = f.Close
	}

	handler, err := buildHandler(cfg, out)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}

	return slog.New(handler), closeFn, nil
}

func buildHandler(cfg config.LoggingConfig, w io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
}

// rotatingFile rounds the byte limit up to whole megabytes, the unit lumberjack rotates on.
func rotatingFile(cfg config.LoggingConfig) *lumberjack.Logger {
	size := 0
	if cfg.MaxBytes > 0 {
		size = max(1, int((cfg.MaxBytes+megabyte-1)/megabyte))
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    size,
		MaxBackups: cfg.BackupCount,
	}
}
