// Package logging builds the zap loggers used across consult.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// File is the rotated JSON log file. Empty disables file output.
	File string
	// Production switches the console encoder to JSON.
	Production bool
	// Debug lowers the console level to debug.
	Debug bool
	// Console is the console sink; defaults to stderr. Use io.Discard to silence.
	Console io.Writer
}

// New builds a logger that tees a rotated JSON file core with a console core.
func New(opts Options) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	var cores []zapcore.Core
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), zap.InfoLevel))
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	consoleEncoder := jsonEncoder
	if !opts.Production {
		consoleEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}
	cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(console)), level))

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }
