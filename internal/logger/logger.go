// Package logger provides named, leveled loggers for every engine
// component. Call sites use logger.New("component") exactly like the
// teacher's bespoke logger; the backend here is zap.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the per-component logging handle.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
}

var (
	mu     sync.Mutex
	base   *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	inited bool
)

// SetLevel adjusts the process-wide minimum log level. Accepts
// "debug", "info", "warn", "error"; unknown values fall back to "info".
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	var l zapcoreLevel
	switch name {
	case "debug":
		l = zap.DebugLevel
	case "warn", "warning":
		l = zap.WarnLevel
	case "error":
		l = zap.ErrorLevel
	default:
		l = zap.InfoLevel
	}
	level.SetLevel(l)
}

type zapcoreLevel = zapcore.Level

func init() {
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
}

func ensure() {
	mu.Lock()
	defer mu.Unlock()
	if inited {
		return
	}
	zl, err := newZapLogger()
	if err != nil {
		// Logging must never be fatal to engine startup; fall back to
		// zap's no-op logger, which writes nothing.
		zl = zap.NewNop()
	}
	base = zl.Sugar()
	inited = true
}

func newZapLogger() (*zap.Logger, error) {
	cfg := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
	}
	return cfg.Build()
}

type named struct {
	name string
	s    *zap.SugaredLogger
}

// New returns a logger scoped to the given component name. Matches the
// teacher's logger.New(name) call shape throughout the codebase.
func New(name string) Logger {
	ensure()
	return &named{name: name, s: base.Named(name)}
}

func (n *named) Debugln(args ...interface{})                  { n.s.Debug(args...) }
func (n *named) Debugf(format string, args ...interface{})    { n.s.Debugf(format, args...) }
func (n *named) Infoln(args ...interface{})                   { n.s.Info(args...) }
func (n *named) Infof(format string, args ...interface{})     { n.s.Infof(format, args...) }
func (n *named) Warningln(args ...interface{})                { n.s.Warn(args...) }
func (n *named) Warningf(format string, args ...interface{})  { n.s.Warnf(format, args...) }
func (n *named) Errorln(args ...interface{})                  { n.s.Error(args...) }
func (n *named) Errorf(format string, args ...interface{})    { n.s.Errorf(format, args...) }
func (n *named) Error(args ...interface{})                    { n.s.Error(args...) }

// Sync flushes any buffered log entries; call on shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
}

var _ = os.Stderr
