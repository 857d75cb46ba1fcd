package logger

import (
	"github.com/sirupsen/logrus"
)

// Ctx is the logging context.
type Ctx logrus.Fields

// Logger is the main logging interface.
type Logger interface {
	Panic(msg string, ctx ...Ctx)
	Fatal(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Debug(msg string, ctx ...Ctx)
	Trace(msg string, ctx ...Ctx)

	AddContext(ctx Ctx) Logger
}

// targetLogger represents the subset of logrus.Logger and logrus.Entry
// that we care about.
type targetLogger interface {
	Panic(args ...interface{})
	Fatal(args ...interface{})
	Error(args ...interface{})
	Warn(args ...interface{})
	Info(args ...interface{})
	Debug(args ...interface{})
	Trace(args ...interface{})

	WithFields(fields logrus.Fields) *logrus.Entry
}
