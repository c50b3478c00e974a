// Package logger provides the relay's structured logging wrapper around
// zerolog. Components call the C/CF-suffixed helpers with a short
// component tag ("wecom", "wsgateway", "dispatch", ...) so log lines
// can be filtered per subsystem without threading a logger through
// every call site.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT") == "console")
}

// Init (re)configures the package-level logger. format=true selects the
// human-readable console writer; otherwise lines are emitted as JSON.
func Init(level string, console bool) {
	var w io.Writer = os.Stderr
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		lvl = parsed
	}

	mu.Lock()
	log = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	mu.Unlock()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func fields(e *zerolog.Event, f map[string]interface{}) *zerolog.Event {
	for k, v := range f {
		e = e.Interface(k, v)
	}
	return e
}

// InfoC logs an info-level message tagged with component.
func InfoC(component, msg string) {
	current().Info().Str("component", component).Msg(msg)
}

// InfoCF logs an info-level message with structured fields.
func InfoCF(component, msg string, f map[string]interface{}) {
	fields(current().Info().Str("component", component), f).Msg(msg)
}

// DebugC logs a debug-level message tagged with component.
func DebugC(component, msg string) {
	current().Debug().Str("component", component).Msg(msg)
}

// DebugCF logs a debug-level message with structured fields.
func DebugCF(component, msg string, f map[string]interface{}) {
	fields(current().Debug().Str("component", component), f).Msg(msg)
}

// WarnC logs a warn-level message tagged with component.
func WarnC(component, msg string) {
	current().Warn().Str("component", component).Msg(msg)
}

// WarnCF logs a warn-level message with structured fields.
func WarnCF(component, msg string, f map[string]interface{}) {
	fields(current().Warn().Str("component", component), f).Msg(msg)
}

// ErrorC logs an error-level message tagged with component.
func ErrorC(component, msg string) {
	current().Error().Str("component", component).Msg(msg)
}

// ErrorCF logs an error-level message with structured fields.
func ErrorCF(component, msg string, f map[string]interface{}) {
	fields(current().Error().Str("component", component), f).Msg(msg)
}
