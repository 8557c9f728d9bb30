// Package logging builds the zap loggers used by the commands.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// New returns a JSON logger at level ("debug", "info", "warn", "error").
// sink is "stderr", "stdout" or "file:<path>"; empty means stderr.
func New(level, sink string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	out, err := outputPath(sink)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{out}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "event"
	return cfg.Build()
}

func outputPath(sink string) (string, error) {
	switch sink = strings.TrimSpace(sink); {
	case sink == "", sink == "stderr":
		return "stderr", nil
	case sink == "stdout":
		return "stdout", nil
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		if path == "" {
			return "", fmt.Errorf("log sink %q: empty path", sink)
		}
		return path, nil
	default:
		return "", fmt.Errorf("log sink %q: want stderr, stdout or file:<path>", sink)
	}
}
