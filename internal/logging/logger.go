package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	logger *zerolog.Logger
)

// Init initializes the global structured logger writing to stderr.
func Init(level string) {
	InitWithWriter(level, os.Stderr)
}

// InitWithWriter initializes the global logger on w. A plain console
// writer is used so operator output stays readable during an incident.
func InitWithWriter(level string, w io.Writer) {
	console := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.TimeOnly,
	}
	l := zerolog.New(console).With().Timestamp().Logger().Level(parseLevel(level))

	mu.Lock()
	logger = &l
	mu.Unlock()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger instance.
func Logger() *zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger().Level(zerolog.InfoLevel)
		logger = &l
	}
	return logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	emit(Logger().Debug(), msg, args)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	emit(Logger().Info(), msg, args)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	emit(Logger().Warn(), msg, args)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	emit(Logger().Error(), msg, args)
}

// emit attaches alternating key/value pairs to the event.
func emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			ev = ev.Str("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
