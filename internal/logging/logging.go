// Package logging wraps zap behind the three verbosity levels the CLI
// exposes (-q, -v, -d). All packages log through this facade, which writes
// to stderr.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	Quiet Level = iota
	Info
	Debug
)

var (
	mu  sync.RWMutex
	log = newLogger(Info)
)

func newLogger(lvl Level) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = "" // wget-style output, no timestamps
	enc := zapcore.NewConsoleEncoder(cfg)

	zlvl := zapcore.InfoLevel
	switch lvl {
	case Quiet:
		zlvl = zapcore.ErrorLevel
	case Debug:
		zlvl = zapcore.DebugLevel
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zlvl)
	return zap.New(core).Sugar()
}

// Setup reconfigures the process-wide logger. Called once from cmd after
// option parsing.
func Setup(lvl Level) {
	mu.Lock()
	log = newLogger(lvl)
	mu.Unlock()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func Debugf(format string, args ...any) { get().Debugf(format, args...) }
func Infof(format string, args ...any)  { get().Infof(format, args...) }
func Errorf(format string, args ...any) { get().Errorf(format, args...) }
