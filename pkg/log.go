package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component tags every record with the controller subsystem that emitted it.
type Component string

// Controller components.
const (
	ComponentUDC      Component = "udc"
	ComponentEP0      Component = "ep0"
	ComponentEndpoint Component = "endpoint"
	ComponentTransfer Component = "transfer"
	ComponentDMA      Component = "dma"
	ComponentIRQ      Component = "irq"
	ComponentHAL      Component = "hal"
	ComponentGadget   Component = "gadget"
	ComponentSim      Component = "sim"
)

// LogFormat selects the slog handler.
type LogFormat int

// Log formats.
const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	// DefaultLogger receives every controller record that passes the level
	// filter. Its handler accepts all levels.
	DefaultLogger = newLogger(os.Stderr, LogFormatText)

	logMutex   sync.RWMutex
	baseLevel  = slog.LevelWarn
	components = map[Component]slog.Level{}
)

func newLogger(w io.Writer, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogOutput sends controller logs to w in the given format.
func SetLogOutput(w io.Writer, format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = newLogger(w, format)
}

// SetLogFormat switches the stderr logger between text and JSON.
func SetLogFormat(format LogFormat) { SetLogOutput(os.Stderr, format) }

// SetLogLevel sets the level for components without their own level.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	baseLevel = level
}

// GetLogLevel returns the level set by SetLogLevel.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return baseLevel
}

// SetComponentLevel overrides the level of one component, so the
// interrupt path can be traced at debug while the rest stays quiet.
func SetComponentLevel(c Component, level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	components[c] = level
}

// ResetComponentLevels drops every per-component override.
func ResetComponentLevels() {
	logMutex.Lock()
	defer logMutex.Unlock()
	clear(components)
}

// ParseComponentLevels parses a comma-separated list of component=level
// pairs, such as "ep0=debug,dma=info".
func ParseComponentLevels(s string) (map[Component]slog.Level, error) {
	levels := map[Component]slog.Level{}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, lvl, ok := strings.Cut(field, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("component level %q: %w", field, ErrInvalidParameter)
		}
		level, ok := ParseLogLevel(lvl)
		if !ok {
			return nil, fmt.Errorf("component %s level %q: %w", name, lvl, ErrInvalidParameter)
		}
		levels[Component(name)] = level
	}
	return levels, nil
}

// ParseLogLevel maps a level name to a slog level. Unknown names return
// false and LevelWarn.
func ParseLogLevel(name string) (slog.Level, bool) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelWarn, false
	}
	return level, true
}

// enabled returns the logger to use when component logs at level, or nil.
func enabled(component Component, level slog.Level) *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	floor, ok := components[component]
	if !ok {
		floor = baseLevel
	}
	if level < floor {
		return nil
	}
	return DefaultLogger
}

// logAt checks the level before building the attribute slice; it runs on
// interrupt paths.
func logAt(level slog.Level, component Component, msg string, args []any) {
	l := enabled(component, level)
	if l == nil || !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs per-packet detail.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs lifecycle events.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs protocol anomalies the controller recovered from.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs failures the controller could not recover from.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
