package testutils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// NewTestLogger logs at debug level through t.Log, tagged with the test name.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()

	return zaptest.NewLogger(t,
		zaptest.Level(zap.DebugLevel),
		zaptest.WrapOptions(zap.Fields(zap.String("test", t.Name()))),
	)
}

// NewObservedLogger is NewTestLogger that also records warnings and errors,
// so tests can assert on the guest range and generation fields of failures.
func NewObservedLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zap.WarnLevel)

	l := NewTestLogger(t).WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	}))

	return l, logs
}
