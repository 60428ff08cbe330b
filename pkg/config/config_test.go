package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.FramesToKeep != 0 || c.MaxFailures != 0 || len(c.LayoutFiles) != 0 {
		t.Fatalf("expected empty defaults, got %+v", c)
	}
	if _, err := os.Stat(filepath.Join(dir, "memsnap", "config.yml")); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	want := &Config{
		Aliases:       map[string][]string{"dump": {"d"}},
		FramesToKeep:  4,
		RefreshRateMs: 16,
		MaxFailures:   3,
		MaxDepth:      8,
		AttachRetryMs: 250,
		LayoutFiles:   []string{"game.yml"},
	}
	if _, err := LoadConfig(); err != nil {
		t.Fatal(err)
	}
	if err := SaveConfig(want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if got.RefreshRate() != 16*time.Millisecond || got.AttachRetry() != 250*time.Millisecond {
		t.Fatalf("unexpected durations %v %v", got.RefreshRate(), got.AttachRetry())
	}
}

func TestLoadBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := os.MkdirAll(filepath.Join(dir, "memsnap"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memsnap", "config.yml"), []byte("frames-to-keep: [1"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected decode error")
	}
}
