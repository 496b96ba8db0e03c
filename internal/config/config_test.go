package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"
)

const sample = `
log:
  level: debug
bridge:
  callTimeout: 2s
server:
  listen: 127.0.0.1:9000
chrome:
  headless: true
  startURLs: ["${FRAMEBRIDGE_TEST_START}"]
locations:
  - name: panel
    match: "https://mail.test/**"
    anchor: "#anchor"
    layout:
      kind: panel
      height: 80
  - name: side
    before: "#main"
    layout:
      kind: split
      hostColumn: "#main"
      width: 300
registrations:
  - location: panel
    url: https://x/surface
    options:
      hidden: false
      height: 80
      context:
        theme: dark
`

func TestLoadFromBytes(t *testing.T) {
	t.Setenv("FRAMEBRIDGE_TEST_START", "https://mail.test/inbox")
	cfg, err := LoadFromBytes([]byte(sample))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v, want debug console", cfg.Log)
	}
	if cfg.Bridge.CallTimeout != 2*time.Second {
		t.Errorf("CallTimeout = %v, want 2s", cfg.Bridge.CallTimeout)
	}
	if want := []string{"iframe", "frame", "browser"}; !slices.Equal(cfg.Monitor.FrameTags, want) {
		t.Errorf("FrameTags = %v, want %v", cfg.Monitor.FrameTags, want)
	}
	if cfg.Server.PublicURL != "ws://127.0.0.1:9000" {
		t.Errorf("PublicURL = %q", cfg.Server.PublicURL)
	}
	if want := []string{"https://mail.test/inbox"}; !slices.Equal(cfg.Chrome.StartURLs, want) {
		t.Errorf("StartURLs = %v, want %v", cfg.Chrome.StartURLs, want)
	}

	if len(cfg.Locations) != 2 {
		t.Fatalf("len(Locations) = %d, want 2", len(cfg.Locations))
	}
	if cfg.Locations[0].Layout.Kind != LayoutPanel {
		t.Errorf("Locations[0] layout = %q, want panel", cfg.Locations[0].Layout.Kind)
	}
	if cfg.Locations[1].Layout.HostColumn != "#main" {
		t.Errorf("Locations[1] hostColumn = %q, want #main", cfg.Locations[1].Layout.HostColumn)
	}

	if len(cfg.Registrations) != 1 {
		t.Fatalf("len(Registrations) = %d, want 1", len(cfg.Registrations))
	}
	want := map[string]any{"hidden": false, "height": 80, "context": map[string]any{"theme": "dark"}}
	if opts := cfg.Registrations[0].Options; !reflect.DeepEqual(opts, want) {
		t.Errorf("Options = %#v, want %#v", opts, want)
	}
}

func TestDefaultsForEmptyFile(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	if err != nil {
		t.Fatalf("LoadFromBytes(nil) error = %v", err)
	}
	if cfg.Server.Listen != DefaultListen {
		t.Errorf("Listen = %q, want %q", cfg.Server.Listen, DefaultListen)
	}
	if cfg.Server.PublicURL != "ws://"+DefaultListen {
		t.Errorf("PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Bridge.CallTimeout <= 0 {
		t.Errorf("CallTimeout = %v, want a default", cfg.Bridge.CallTimeout)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
log:
  level: loud
locations:
  - name: a
  - name: a
    anchor: "#x"
    layout:
      kind: split
  - name: b
    anchor: "#x"
    layout:
      kind: grid
registrations:
  - location: nowhere
  - location: b
    url: https://x/
  - location: b
    url: https://x/
`))
	if err == nil {
		t.Fatal("LoadFromBytes() should reject the config")
	}
	for _, want := range []string{
		"log.level",
		"locations[0]: anchor or before is required",
		`locations[1]: duplicate location "a"`,
		"locations[1]: split layout needs hostColumn",
		`locations[2]: unknown layout "grid"`,
		`registrations[0]: unknown location "nowhere"`,
		"registrations[0]: url is required",
		"registrations[2]: https://x/ registered twice with b",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestDiff(t *testing.T) {
	a := Registration{Location: "panel", URL: "https://x/a", Options: map[string]any{"height": 80}}
	b := Registration{Location: "panel", URL: "https://x/b"}
	c := Registration{Location: "side", URL: "https://x/a"}
	a2 := a
	a2.Options = map[string]any{"height": 120}

	added, removed := Diff([]Registration{a, b}, []Registration{a, b})
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("Diff(same) = %v, %v, want nothing", added, removed)
	}

	added, removed = Diff([]Registration{a, b}, []Registration{a2, c})
	if want := []Registration{a2, c}; !reflect.DeepEqual(added, want) {
		t.Errorf("added = %v, want %v", added, want)
	}
	if want := []Registration{b}; !reflect.DeepEqual(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FRAMEBRIDGE_TEST_LISTEN", "")
	os.Unsetenv("FRAMEBRIDGE_TEST_LISTEN")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FRAMEBRIDGE_TEST_LISTEN=127.0.0.1:9100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(path, []byte("server:\n  listen: ${FRAMEBRIDGE_TEST_LISTEN}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9100" {
		t.Errorf("Listen = %q, want the .env value", cfg.Server.Listen)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c Config) { changes <- c })
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	// Keep writing until the watcher has registered and reports the change.
	deadline := time.Now().Add(5 * time.Second)
	for reloaded := false; !reloaded; {
		if time.Now().After(deadline) {
			t.Fatal("watcher never reported the new level")
		}
		if err := os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case c := <-changes:
			reloaded = c.Log.Level == "warn"
		case <-time.After(400 * time.Millisecond):
		}
	}

	if err := os.WriteFile(path, []byte("log:\n  level: [broken\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.Log.Level != "warn" {
			t.Errorf("invalid config delivered with level %q", c.Log.Level)
		}
	case <-time.After(400 * time.Millisecond):
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("MAIL_ACCOUNT", "me@example.com")
	cfg, err := Load(filepath.Join("..", "..", "etc", "framebridge.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Locations) != 2 {
		t.Fatalf("len(Locations) = %d, want 2", len(cfg.Locations))
	}
	if cfg.Locations[0].Layout.Kind != LayoutPanel || cfg.Locations[1].Layout.Kind != LayoutSplit {
		t.Errorf("layouts = %q, %q, want panel, split", cfg.Locations[0].Layout.Kind, cfg.Locations[1].Layout.Kind)
	}
	if len(cfg.Registrations) != 2 {
		t.Fatalf("len(Registrations) = %d, want 2", len(cfg.Registrations))
	}
	if got, want := cfg.Registrations[1].Options["context"], map[string]any{"account": "me@example.com"}; !reflect.DeepEqual(got, want) {
		t.Errorf("context = %#v, want %#v", got, want)
	}
	if cfg.Server.PublicURL != "ws://127.0.0.1:7311" {
		t.Errorf("PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Bridge.CallTimeout != 5*time.Second {
		t.Errorf("CallTimeout = %v, want 5s", cfg.Bridge.CallTimeout)
	}
}
