// Package logging builds the zap loggers used by the relay binaries.
package logging

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level string // debug, info, warn or error
	Dir   string // when set, also write to Dir/File with rotation
	File  string
	// NoStdout disables the stdout sink. Ignored when Dir is empty.
	NoStdout bool
}

// New returns a JSON logger writing to stdout and, when Dir is set, to a
// rotated file.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", opts.Level)
	}

	var writers []zapcore.WriteSyncer
	if opts.Dir == "" || !opts.NoStdout {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	if opts.Dir != "" {
		if err = os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create log dir %s", opts.Dir)
		}
		file := opts.File
		if file == "" {
			file = "relay.log"
		}
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, file),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(newEncoderConfig()),
		zapcore.NewMultiWriteSyncer(writers...),
		level,
	)
	return zap.New(core), nil
}

func newEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
