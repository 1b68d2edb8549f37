// Package config loads and persists pagesnap settings: the user's delivery
// preferences and the capture tunables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/v0xg/pagesnap/internal/executor"
	"github.com/v0xg/pagesnap/internal/imagefmt"
	"github.com/v0xg/pagesnap/internal/plan"
)

// EnvPath overrides the config file location.
const EnvPath = "PAGESNAP_CONFIG"

// DeliveryMode selects where a finished capture goes.
type DeliveryMode string

const (
	DeliverClipboard DeliveryMode = "clipboard"
	DeliverFile      DeliveryMode = "file"
)

// ParseDeliveryMode accepts clipboard, file and download (alias of file).
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clipboard":
		return DeliverClipboard, nil
	case "file", "download":
		return DeliverFile, nil
	default:
		return "", fmt.Errorf("unknown delivery mode: %s (supported: clipboard, file)", s)
	}
}

func (m *DeliveryMode) UnmarshalText(text []byte) error {
	parsed, err := ParseDeliveryMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Preferences are the persisted user choices.
type Preferences struct {
	Delivery DeliveryMode    `yaml:"delivery"`
	Format   imagefmt.Format `yaml:"format"`
}

// EffectiveFormat is the format actually encoded. The clipboard only takes
// PNG, so clipboard mode ignores the stored file format.
func (p Preferences) EffectiveFormat() imagefmt.Format {
	if p.Delivery == DeliverClipboard {
		return imagefmt.PNG
	}
	return p.Format
}

// Config is the top-level pagesnap configuration.
type Config struct {
	Preferences Preferences `yaml:"preferences"`
	OutputDir   string      `yaml:"output_dir"`
	// ClipboardHold bounds how long the process keeps serving a copied image
	// on systems where the clipboard content lives in the copying process.
	ClipboardHold Duration      `yaml:"clipboard_hold"`
	Capture       CaptureConfig `yaml:"capture"`
	Browser       BrowserConfig `yaml:"browser"`
}

// CaptureConfig holds the pipeline tunables. The defaults were tuned by
// hand and are not claimed to be optimal.
type CaptureConfig struct {
	Overlap        int      `yaml:"overlap"`
	ScrollDelay    Duration `yaml:"scroll_delay"`
	IndicatorDelay Duration `yaml:"indicator_delay"`
	RetryDelay     Duration `yaml:"retry_delay"`
	MaxAttempts    int      `yaml:"max_attempts"`
	JPEGQuality    int      `yaml:"jpeg_quality"`
	MaxWidth       uint     `yaml:"max_width"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Width    int      `yaml:"width"`
	Height   int      `yaml:"height"`
	Scale    float64  `yaml:"scale"`
	Headless bool     `yaml:"headless"`
	Remote   string   `yaml:"remote"`
	Profile  string   `yaml:"profile"`
	Stealth  bool     `yaml:"stealth"`
	Timeout  Duration `yaml:"timeout"`
}

// Visible reports whether a person may be watching the page: a headful
// local Chrome or a remote one, whose window pagesnap cannot see.
func (b BrowserConfig) Visible() bool {
	return !b.Headless || b.Remote != ""
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := preset()
	cfg.applyDefaults()
	return cfg
}

// preset holds the defaults whose zero value is a valid setting, so they
// must be in place before a file is decoded over them.
func preset() *Config {
	return &Config{
		Capture: CaptureConfig{Overlap: plan.DefaultOverlap},
		Browser: BrowserConfig{Headless: true},
	}
}

func (c *Config) applyDefaults() {
	if c.Preferences.Delivery == "" {
		c.Preferences.Delivery = DeliverClipboard
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}

	if c.ClipboardHold.IsZero() {
		c.ClipboardHold = DurationFrom(time.Minute)
	}

	if c.Capture.Overlap < 0 {
		c.Capture.Overlap = plan.DefaultOverlap
	}
	if c.Capture.ScrollDelay.IsZero() {
		c.Capture.ScrollDelay = DurationFrom(executor.DefaultScrollDelay)
	}
	if c.Capture.IndicatorDelay.IsZero() {
		c.Capture.IndicatorDelay = DurationFrom(executor.DefaultIndicatorDelay)
	}
	if c.Capture.RetryDelay.IsZero() {
		c.Capture.RetryDelay = DurationFrom(executor.DefaultRetryDelay)
	}
	if c.Capture.MaxAttempts <= 0 {
		c.Capture.MaxAttempts = executor.DefaultMaxAttempts
	}
	if c.Capture.JPEGQuality <= 0 {
		c.Capture.JPEGQuality = 92
	}

	if c.Browser.Width <= 0 {
		c.Browser.Width = 1280
	}
	if c.Browser.Height <= 0 {
		c.Browser.Height = 720
	}
	if c.Browser.Scale <= 0 {
		c.Browser.Scale = 1
	}
	if c.Browser.Timeout.IsZero() {
		c.Browser.Timeout = DurationFrom(60 * time.Second)
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Capture.Overlap >= c.Browser.Height {
		errs = append(errs, fmt.Errorf("capture.overlap (%d) must be smaller than browser.height (%d)", c.Capture.Overlap, c.Browser.Height))
	}
	if c.Capture.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("capture.jpeg_quality must be 1-100, got %d", c.Capture.JPEGQuality))
	}
	return errors.Join(errs...)
}

// ExecutorOptions maps the capture tunables onto executor options.
func (c *Config) ExecutorOptions() executor.Options {
	return executor.Options{
		ScrollDelay:    c.Capture.ScrollDelay.Duration,
		IndicatorDelay: c.Capture.IndicatorDelay.Duration,
		RetryDelay:     c.Capture.RetryDelay.Duration,
		MaxAttempts:    c.Capture.MaxAttempts,
	}
}

// DefaultPath returns $PAGESNAP_CONFIG or <user config dir>/pagesnap/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pagesnap.yaml"
	}
	return filepath.Join(dir, "pagesnap", "config.yaml")
}

// Load reads a YAML configuration file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg := preset()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Store reads preferences from a config file on every call, so changes
// made between runs are picked up.
type Store struct {
	Path string
}

func (s Store) Preferences(ctx context.Context) (Preferences, error) {
	if err := ctx.Err(); err != nil {
		return Preferences{}, err
	}
	cfg, err := Load(s.Path)
	if err != nil {
		return Preferences{}, err
	}
	return cfg.Preferences, nil
}

// SetPreferences persists p into the config file, keeping other settings.
func (s Store) SetPreferences(p Preferences) error {
	cfg, err := Load(s.Path)
	if err != nil {
		return err
	}
	cfg.Preferences = p
	cfg.applyDefaults()
	return Save(s.Path, cfg)
}

// Static is a fixed preference source.
type Static Preferences

func (s Static) Preferences(context.Context) (Preferences, error) {
	return Preferences(s), nil
}
