// Package definition holds the small cross-cutting contracts (logging)
// shared by every layer of the replication engine.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the contract every package in this module logs through. No
// package imports logrus directly; they depend on this interface so a host
// application can swap in its own logger.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

// DefaultLogger is used when the host application doesn't provide its own
// implementation of Logger.
type DefaultLogger struct {
	entry *logrus.Logger
}

// NewDefaultLogger builds a DefaultLogger writing to stderr at info level.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{entry: l}
}

func (l *DefaultLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})   { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                   { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})   { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                  { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{})  { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Debug(v ...interface{})                  { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{})  { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})  { l.entry.Fatalf(format, v...) }
func (l *DefaultLogger) Panic(v ...interface{})                  { l.entry.Panic(v...) }
func (l *DefaultLogger) Panicf(format string, v ...interface{})  { l.entry.Panicf(format, v...) }

// ToggleDebug flips debug-level logging on or off and returns the new state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return value
}
