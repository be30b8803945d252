// Package logger provides component-scoped structured logging for the bridge.
//
// Every call names the component that produced it ("router", "mirror", ...)
// and may carry a map of fields:
//
//	logger.InfoCF("router", "Consumer connected", map[string]interface{}{"role": "ui"})
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options controls the process-wide logger.
type Options struct {
	Level  string    // debug, info, warn, error
	JSON   bool      // JSON lines instead of console output
	Writer io.Writer // defaults to os.Stderr
}

var (
	mu   sync.RWMutex
	base = newLogger(Options{Level: "info"})
)

// Configure replaces the process-wide logger.
func Configure(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	l := newLogger(opts).Level(level)

	mu.Lock()
	base = l
	mu.Unlock()
	return nil
}

// ParseLevel maps a level name to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

func newLogger(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if !opts.JSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func emit(e *zerolog.Event, component, msg string, fields map[string]interface{}) {
	if e == nil {
		return
	}
	e = e.Str("component", component)
	if len(fields) > 0 {
		e = e.Fields(fields)
	}
	e.Msg(msg)
}

func logWith(level zerolog.Level, component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.WithLevel(level), component, msg, fields)
}

func DebugC(component, msg string) {
	logWith(zerolog.DebugLevel, component, msg, nil)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	logWith(zerolog.DebugLevel, component, msg, fields)
}

func InfoC(component, msg string) {
	logWith(zerolog.InfoLevel, component, msg, nil)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logWith(zerolog.InfoLevel, component, msg, fields)
}

func WarnC(component, msg string) {
	logWith(zerolog.WarnLevel, component, msg, nil)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logWith(zerolog.WarnLevel, component, msg, fields)
}

func ErrorC(component, msg string) {
	logWith(zerolog.ErrorLevel, component, msg, nil)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logWith(zerolog.ErrorLevel, component, msg, fields)
}
