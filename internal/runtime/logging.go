package runtime

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/signsync/internal/config"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. With log_file set, output goes to a
// rotating file; otherwise to stdout. The returned closer releases the file.
func NewLogger(cfg config.TelemetryConfig) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if strings.TrimSpace(cfg.LogFile) == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(file, opts)), file
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
