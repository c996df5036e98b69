package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Component tags every record with the subsystem that logged it.
type Component string

const (
	ComponentDevice   Component = "device"
	ComponentStack    Component = "stack"
	ComponentHAL      Component = "hal"
	ComponentClass    Component = "class"
	ComponentBridge   Component = "bridge"
	ComponentUART     Component = "uart"
	ComponentPins     Component = "pins"
	ComponentGDB      Component = "gdb"
	ComponentProbe    Component = "probe"
	ComponentManifest Component = "manifest"
	ComponentConfig   Component = "config"
	ComponentCLI      Component = "cli"
)

// LogFormat selects the slog handler.
type LogFormat int

const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	// logLevel is shared by every handler this package creates.
	logLevel = new(slog.LevelVar)

	// logOutput is where SetLogFormat points the next handler.
	logOutput   io.Writer = os.Stderr
	outputMutex sync.Mutex

	current atomic.Pointer[slog.Logger]
)

func init() {
	logLevel.Set(slog.LevelWarn)
	current.Store(NewLogger(os.Stderr, nil))
}

func newHandler(format LogFormat, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	if format == LogFormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewLogger returns a text logger on w. A nil opts follows the package
// log level.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(newHandler(LogFormatText, w, opts))
}

// NewJSONLogger is NewLogger with a JSON handler.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(newHandler(LogFormatJSON, w, opts))
}

// Logger returns the logger every package in the module writes to.
func Logger() *slog.Logger {
	return current.Load()
}

// SetLogger installs l as the module logger.
func SetLogger(l *slog.Logger) {
	current.Store(l)
}

func SetLogLevel(level slog.Level) { logLevel.Set(level) }
func GetLogLevel() slog.Level      { return logLevel.Level() }

// SetLogOutput sets the writer for the next SetLogFormat. The installed
// logger keeps its writer.
func SetLogOutput(w io.Writer) {
	outputMutex.Lock()
	logOutput = w
	outputMutex.Unlock()
}

// SetLogFormat installs a fresh logger of format on the current output.
func SetLogFormat(format LogFormat) {
	outputMutex.Lock()
	w := logOutput
	outputMutex.Unlock()
	SetLogger(slog.New(newHandler(format, w, nil)))
}

// VerbosityLevel maps the count of -v flags to a level: none is warn, one
// is info, more is debug.
func VerbosityLevel(count int) slog.Level {
	levels := [...]slog.Level{slog.LevelWarn, slog.LevelInfo, slog.LevelDebug}
	return levels[min(max(count, 0), len(levels)-1)]
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	l := Logger()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, msg, append([]any{"component", string(component)}, args...)...)
}

func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
