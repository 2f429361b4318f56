// Package zlog is the engine-wide structured logger: a configured
// *logrus.Logger with a compact custom formatter and a handful of
// level-gated helpers used by the buffer pool, log buffer, and engine
// packages.
package zlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// L is the shared engine logger. Callers may swap it out in tests via
// Configure.
var L = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&compactFormatter{})
	return l
}

// Config selects the engine's log level and destination.
type Config struct {
	Level string // "debug" | "info" | "warn" | "error"
	Path  string // empty means stderr
}

// Configure re-initializes L per cfg.
func Configure(cfg Config) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l := newDefault()
	l.SetLevel(level)
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		l.SetOutput(f)
	}
	L = l
	return nil
}

type compactFormatter struct{}

func (f *compactFormatter) Format(e *logrus.Entry) ([]byte, error) {
	ts := e.Time.Format("15:04:05.000")
	level := strings.ToUpper(e.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	caller := shortCaller()
	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", ts, level, caller, e.Message)
	return []byte(msg), nil
}

func shortCaller() string {
	_, file, line, ok := runtime.Caller(8)
	if !ok {
		return "?"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func Debugf(format string, args ...interface{}) { L.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { L.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { L.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L.Errorf(format, args...) }
