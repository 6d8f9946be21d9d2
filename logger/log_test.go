package logger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitAndSetLevel(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pproom.log")
	if err := Init(Config{Level: "warn", File: file}); err != nil {
		t.Fatal(err)
	}
	if Level() != zapcore.WarnLevel || Log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("level = %v", Level())
	}
	if err := SetLevel("DEBUG"); err != nil {
		t.Fatal(err)
	}
	if !Log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("SetLevel must apply to the existing logger")
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if Level() != zapcore.DebugLevel {
		t.Fatal("invalid level must not change the current one")
	}
	Sync()
}

func TestInitRejectsBadLevel(t *testing.T) {
	if err := Init(Config{Level: "verbose"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestShortcutsReportCallerSite(t *testing.T) {
	prev := Log
	t.Cleanup(func() { setLogger(prev) })
	core, logs := observer.New(zapcore.DebugLevel)
	setLogger(zap.New(core, zap.AddCaller()))

	Info("a")
	Warn("b")
	Errorf("c %d", 1)
	Debug("d")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("entries = %d", len(entries))
	}
	for _, e := range entries {
		if filepath.Base(e.Caller.File) != "log_test.go" {
			t.Fatalf("%q logged from %s", e.Message, e.Caller.TrimmedPath())
		}
	}
	if entries[2].Message != "c 1" {
		t.Fatalf("msg = %q", entries[2].Message)
	}
}
