package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSinkWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "marduk.log")

	sink, err := NewSink(path, DEBUG)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	sink.stdout = false

	logger := sink.Component("test")
	logger.Info("hello %s", "world")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, "[INFO]") || !strings.Contains(line, "[test]") {
		t.Fatalf("unexpected log line: %q", line)
	}
	if !strings.Contains(line, "hello world") {
		t.Fatalf("message missing from log line: %q", line)
	}
}

func TestSinkLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marduk.log")

	sink, err := NewSink(path, WARN)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	sink.stdout = false

	logger := sink.Component("test")
	logger.Debug("suppressed")
	logger.Info("suppressed")
	logger.Error("kept")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "suppressed") {
		t.Fatalf("low-severity lines should be filtered: %q", string(data))
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatal("expected error line to be written")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"info":    INFO,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must return a usable logger")
	}
	OrNop(nil).Info("must not panic")
}
