package cliconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bft-labs/walvault/pkg/log"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`batch_interval = "1s"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded := make(chan Config, 1)
	w := NewWatcher(path, validConfig(), nil, log.NewNoopLogger(), func(cfg Config) {
		select {
		case loaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to register, then rewrite the file.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`batch_interval = "7s"`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-loaded:
		if cfg.BatchInterval != 7*time.Second {
			t.Fatalf("reloaded batch interval = %v, want 7s", cfg.BatchInterval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the reloaded config")
	}
}

func TestWatcherIgnoresInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`batch_interval = "1s"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded := make(chan Config, 4)
	w := NewWatcher(path, validConfig(), nil, log.NewNoopLogger(), func(cfg Config) {
		loaded <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`batch_interval = "not a duration"`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-loaded:
		t.Fatalf("invalid config delivered: %+v", cfg)
	case <-time.After(time.Second):
	}
}
