// Package klog is the kernel's structured diagnostic logger.
//
// The teacher (biscuit) prints diagnostics straight to its console sink
// with fmt.Printf, because the console is the only log target a
// freestanding kernel has. This package keeps that for Console (the raw
// fmt.Fprintf-to-io.Writer hot path used by panics and boot banners) and
// layers a structured zap logger on top for spec §7's requirement that
// every surfaced failure carry "the error kind and a location string".
package klog

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kerncore/internal/kerr"
)

// Console is the raw console sink. Defaults to stdout; boot wiring may
// redirect it to a serial port or VGA text buffer writer.
var Console io.Writer = os.Stdout

// Printf writes directly to Console, matching the teacher's fmt.Printf
// convention for boot banners and panic text.
func Printf(format string, args ...any) {
	fmt.Fprintf(Console, format, args...)
}

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

// SetLogger overrides the structured logger, used by tests that want to
// assert on emitted fields.
func SetLogger(l *zap.Logger) { logger = l }

// Fail reports a failed fallible operation: kind, component, and the
// call-site location string spec §7 requires.
func Fail(component, location string, kind kerr.Kind) {
	logger.Error("kernel operation failed",
		zap.String("component", component),
		zap.String("location", location),
		zap.String("kind", kind.String()),
	)
}

// Info reports a non-error diagnostic (bring-up progress, driver status
// transitions).
func Info(component, msg string, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("component", component)}, fields...)
	logger.Info(msg, all...)
}

// Sync flushes the underlying logger; boot wiring calls this once driver
// bring-up has finished so early boot diagnostics are not lost.
func Sync() {
	_ = logger.Sync()
}
