// Package logger builds the zap loggers used by the gojokern commands.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and destination of log output.
type Config struct {
	// Level is a zap level name. Unknown or empty names mean "info".
	Level string `yaml:"level"`
	// Format is "console" for human-readable lines; anything else is JSON.
	Format string `yaml:"format"`
	// OutputFile is "stdout", "stderr" or a file path appended to.
	// Empty means stdout.
	OutputFile string `yaml:"output_file"`
}

// New builds a logger tagged with service=gojokern and any extra fields,
// such as a run id.
func New(config Config, fields ...zap.Field) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	out := config.OutputFile
	if out == "" {
		out = "stdout"
	}
	sink, _, err := zap.Open(out)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", out, err)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewJSONEncoder(enc)
	if strings.EqualFold(config.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(enc)
	}

	fields = append([]zap.Field{zap.String("service", "gojokern")}, fields...)
	return zap.New(zapcore.NewCore(encoder, sink, level),
		zap.AddCaller(),
		zap.AddStacktrace(zap.DPanicLevel),
		zap.Fields(fields...),
	), nil
}
