// Package logging provides the kernel's diagnostic logging: level- and
// subsystem-tagged messages, plus a Fatal path that routes through a
// caller-supplied halt function instead of os.Exit, so that "kernel-internal
// assertion failures are fatal (halt with a diagnostic via the debug
// driver)" stays expressible without wiring the debug driver in here.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level and subsystem tagging.
type Logger struct {
	logger    *log.Logger
	level     Level
	subsystem string
	halt      HaltFunc
	mu        sync.Mutex
}

// HaltFunc is called by Fatal after the diagnostic has been written. It
// never returns on real hardware (it halts the core via the debug driver);
// tests supply one that panics or records the call instead.
type HaltFunc func(msg string)

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Level represents the available log levels, ascending in severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "[DEBUG]"
	case LevelInfo:
		return "[INFO]"
	case LevelWarn:
		return "[WARN]"
	case LevelError:
		return "[ERROR]"
	case LevelFatal:
		return "[FATAL]"
	default:
		return "[?]"
	}
}

// Config holds logging configuration.
type Config struct {
	Level     Level
	Output    io.Writer
	Subsystem string
	Halt      HaltFunc
}

// DefaultConfig returns a sensible default configuration: info level,
// stderr output, and a halt function that os.Exit(1)s after printing.
// Callers that need a different halt path supply their own Halt; the
// scheduler has no recover loop, so a panicking Halt is not caught.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Halt: func(msg string) {
			os.Exit(1)
		},
	}
}

// NewLogger creates a new logger for one kernel subsystem (e.g. "sched",
// "ipc", "intr"); an empty subsystem is allowed for the root logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	halt := config.Halt
	if halt == nil {
		halt = DefaultConfig().Halt
	}
	return &Logger{
		logger:    log.New(output, "", log.LstdFlags|log.Lmicroseconds),
		level:     config.Level,
		subsystem: config.Subsystem,
		halt:      halt,
	}
}

// WithSubsystem returns a child logger sharing this logger's output,
// level, and halt function but tagging every line with subsystem.
func (l *Logger) WithSubsystem(subsystem string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		logger:    l.logger,
		level:     l.level,
		subsystem: subsystem,
		halt:      l.halt,
	}
}

// Default returns the process-wide default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the process-wide default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) line(msg string, args []any) string {
	sub := l.subsystem
	if sub != "" {
		sub = "(" + sub + ") "
	}
	return sub + msg + formatArgs(args)
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	rendered := l.line(msg, args)
	l.logger.Printf("%s %s", level.tag(), rendered)
	l.mu.Unlock()

	if level == LevelFatal {
		l.halt(rendered)
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Fatal logs at LevelFatal unconditionally and then calls the logger's
// HaltFunc. Used for kernel assertion failures (§7): a broken invariant
// (double-free, missing ready-queue link, mask-count underflow) halts
// the core rather than limping on with corrupted state.
func (l *Logger) Fatal(msg string, args ...any) { l.log(LevelFatal, msg, args...) }

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, fmt.Sprintf(format, args...)) }
func (l *Logger) Fatalf(format string, args ...any) { l.log(LevelFatal, fmt.Sprintf(format, args...)) }

// Printf logs at info level, for callers written against a printf-style
// logger.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
func Fatal(msg string, args ...any) { Default().Fatal(msg, args...) }
