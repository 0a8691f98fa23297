package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotated log files kept on disk, matching the retention the agent has
// always run with.
const maxBackups = 6

// New builds the process-wide logger: a production JSON core on stderr,
// teed to a size-rotated file when path is non-empty. debug lowers the
// level to Debug.
func New(path string, debug bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}
	if path != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: maxBackups,
		})
		cores = append(cores, zapcore.NewCore(enc, sink, level))
	}
	return zap.New(zapcore.NewTee(cores...)).Sugar()
}
