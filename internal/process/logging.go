// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `help:"the minimum log level" default:"info"`
	Development bool   `help:"use human friendly development logging" default:"false"`
	Caller      bool   `help:"annotate log lines with the caller" default:"false"`
	File        string `help:"write logs to this file instead of stderr, rotated at 100MB" default:""`
}

// NewLogger creates a named logger from the config. When cfg.File is
// set, output goes through a size-rotated file.
func NewLogger(name string, cfg LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, Error.Wrap(err)
	}

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			Compress:   true,
		})
	} else {
		sink = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{zap.ErrorOutput(sink)}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(core, opts...)
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}
