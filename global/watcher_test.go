package global

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchConfigReloadsValidChanges(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pproom.yaml")
	if err := os.WriteFile(file, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 4)
	ok, err := WatchConfig(file, func(c *AppConfig) { got <- c.Log.Level })
	if err != nil || !ok {
		t.Fatalf("WatchConfig = %v, %v", ok, err)
	}

	// 非法配置被丢弃，不回调
	if err := os.WriteFile(file, []byte("node_type: moon\nlog:\n  level: error\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(file, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case lvl := <-got:
			if lvl == "error" {
				t.Fatal("invalid config must not be delivered")
			}
			if lvl == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatchConfigWithoutFile(t *testing.T) {
	if _, err := WatchConfig(filepath.Join(t.TempDir(), "missing.yaml"), func(*AppConfig) {}); err == nil {
		t.Fatal("explicit missing file must fail")
	}
}
