// Package config loads the framebridge YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/logging"
)

// Layout kinds.
const (
	LayoutNone  = "none"
	LayoutPanel = "panel"
	LayoutSplit = "split"
)

const (
	DefaultListen = "127.0.0.1:7311"
	DefaultFile   = "framebridge.yaml"
)

// Config is the whole configuration file.
type Config struct {
	Log           LogConfig      `yaml:"log"`
	Bridge        BridgeConfig   `yaml:"bridge"`
	Monitor       MonitorConfig  `yaml:"monitor"`
	Server        ServerConfig   `yaml:"server"`
	Chrome        ChromeConfig   `yaml:"chrome"`
	Locations     []Location     `yaml:"locations"`
	Registrations []Registration `yaml:"registrations"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is console, text or json.
	Format  string `yaml:"format"`
	NoColor bool   `yaml:"noColor,omitempty"`
}

type BridgeConfig struct {
	// CallTimeout bounds every host to surface call.
	CallTimeout time.Duration `yaml:"callTimeout"`
}

type MonitorConfig struct {
	// FrameTags are the element tags treated as embeddable content frames.
	FrameTags []string `yaml:"frameTags"`
}

type ServerConfig struct {
	// Listen is the address of the status and bridge server.
	Listen string `yaml:"listen"`
	// PublicURL is the base surfaces use to reach the bridge endpoint.
	// Defaults to ws://<listen>.
	PublicURL string `yaml:"publicURL,omitempty"`
	// RemoteAccess accepts bridge connections from non-loopback peers.
	RemoteAccess bool `yaml:"remoteAccess,omitempty"`
}

type ChromeConfig struct {
	// ExecPath overrides auto-detection of Chrome.
	ExecPath string `yaml:"execPath,omitempty"`
	// CDPURL attaches to a running browser instead of launching one.
	CDPURL    string   `yaml:"cdpURL,omitempty"`
	Headless  bool     `yaml:"headless,omitempty"`
	NoSandbox bool     `yaml:"noSandbox,omitempty"`
	StartURLs []string `yaml:"startURLs,omitempty"`
}

// Location defines an anchored location.
type Location struct {
	Name string `yaml:"name"`
	// Match is a glob over the window url. Empty matches every window.
	Match     string            `yaml:"match,omitempty"`
	Anchor    string            `yaml:"anchor,omitempty"`
	Before    string            `yaml:"before,omitempty"`
	ContextID string            `yaml:"contextID,omitempty"`
	Attrs     map[string]string `yaml:"attrs,omitempty"`
	Layout    Layout            `yaml:"layout,omitempty"`
}

// Layout selects the sizing recipe of a location.
type Layout struct {
	Kind       string  `yaml:"kind,omitempty"`
	Height     float64 `yaml:"height,omitempty"`
	HostColumn string  `yaml:"hostColumn,omitempty"`
	Width      float64 `yaml:"width,omitempty"`
	Mode       string  `yaml:"mode,omitempty"`
}

// Registration is one url registered with a location.
type Registration struct {
	Location string         `yaml:"location"`
	URL      string         `yaml:"url"`
	Options  map[string]any `yaml:"options,omitempty"`
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "console"},
		Bridge:  BridgeConfig{CallTimeout: bridge.DefaultCallTimeout},
		Monitor: MonitorConfig{FrameTags: []string{"iframe", "frame", "browser"}},
		Server:  ServerConfig{Listen: DefaultListen},
	}
}

// Load reads path, loading a .env file next to it first when present.
func Load(path string) (Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses YAML with environment variable expansion, applies
// defaults and validates the result.
func LoadFromBytes(data []byte) (Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve fills in defaults for fields left empty.
func (c *Config) Resolve() {
	def := Default()
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Bridge.CallTimeout <= 0 {
		c.Bridge.CallTimeout = def.Bridge.CallTimeout
	}
	if len(c.Monitor.FrameTags) == 0 {
		c.Monitor.FrameTags = def.Monitor.FrameTags
	}
	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "ws://" + c.Server.Listen
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	for i := range c.Locations {
		l := &c.Locations[i].Layout
		if l.Kind == "" {
			l.Kind = LayoutNone
		}
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	seen := make(map[string]bool)
	for i, loc := range c.Locations {
		where := fmt.Sprintf("locations[%d]", i)
		switch {
		case loc.Name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		case seen[loc.Name]:
			errs = append(errs, fmt.Errorf("%s: duplicate location %q", where, loc.Name))
		}
		seen[loc.Name] = true
		if loc.Anchor == "" && loc.Before == "" {
			errs = append(errs, fmt.Errorf("%s: anchor or before is required", where))
		}
		switch loc.Layout.Kind {
		case LayoutNone, LayoutPanel:
		case LayoutSplit:
			if loc.Layout.HostColumn == "" {
				errs = append(errs, fmt.Errorf("%s: split layout needs hostColumn", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown layout %q", where, loc.Layout.Kind))
		}
	}

	regs := make(map[[2]string]bool)
	for i, r := range c.Registrations {
		where := fmt.Sprintf("registrations[%d]", i)
		if !seen[r.Location] {
			errs = append(errs, fmt.Errorf("%s: unknown location %q", where, r.Location))
		}
		if r.URL == "" {
			errs = append(errs, fmt.Errorf("%s: url is required", where))
		}
		k := [2]string{r.Location, r.URL}
		if regs[k] {
			errs = append(errs, fmt.Errorf("%s: %s registered twice with %s", where, r.URL, r.Location))
		}
		regs[k] = true
	}
	return errors.Join(errs...)
}

// Diff compares two registration lists. Removed holds registrations gone
// from next; added holds new ones and ones whose options changed.
func Diff(prev, next []Registration) (added, removed []Registration) {
	type key struct{ location, url string }
	old := make(map[key]Registration, len(prev))
	for _, r := range prev {
		old[key{r.Location, r.URL}] = r
	}
	kept := make(map[key]bool, len(next))
	for _, r := range next {
		k := key{r.Location, r.URL}
		kept[k] = true
		if o, ok := old[k]; !ok || !reflect.DeepEqual(o.Options, r.Options) {
			added = append(added, r)
		}
	}
	for _, r := range prev {
		if !kept[key{r.Location, r.URL}] {
			removed = append(removed, r)
		}
	}
	return added, removed
}
