package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("threshold message")
	if !strings.Contains(buf.String(), "threshold message") {
		t.Errorf("expected warn message in output, got: %s", buf.String())
	}
}

func TestLoggerWithSubsystem(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	sched := root.WithSubsystem("sched")

	sched.Info("thread enqueued", "pid", 7)

	output := buf.String()
	if !strings.Contains(output, "(sched)") {
		t.Errorf("expected subsystem tag in output, got: %s", output)
	}
	if !strings.Contains(output, "pid=7") {
		t.Errorf("expected key=value args in output, got: %s", output)
	}
}

func TestLoggerFatalCallsHalt(t *testing.T) {
	var buf bytes.Buffer
	var haltedWith string
	logger := NewLogger(&Config{
		Level:  LevelDebug,
		Output: &buf,
		Halt: func(msg string) {
			haltedWith = msg
		},
	})

	logger.Fatal("ready queue corrupted", "irq", 12)

	if haltedWith == "" {
		t.Fatal("expected Halt to be invoked")
	}
	if !strings.Contains(haltedWith, "ready queue corrupted") {
		t.Errorf("expected halt message to carry the diagnostic, got: %s", haltedWith)
	}
	if !strings.Contains(buf.String(), "[FATAL]") {
		t.Errorf("expected fatal line to be logged before halting, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	t.Cleanup(func() { SetDefault(NewLogger(nil)) })

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected debug message with args, got: %s", buf.String())
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
