package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration for an xxfunc host process.
type Config struct {
	// RegistryPath is the path to the SQLite database file backing the
	// module registry.
	RegistryPath string `yaml:"registry_path"`

	// WorkerCount is the number of worker goroutines in the pool. Zero
	// means runtime.NumCPU().
	WorkerCount int `yaml:"worker_count"`

	// ModuleCacheSize is the number of compiled WASM modules kept warm.
	ModuleCacheSize int `yaml:"module_cache_size"`

	// DefaultTimeout bounds the control API's graceful shutdown when the
	// process exits. Module invocations have no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// ControlAPIListenAddr is the address the control API binds to.
	ControlAPIListenAddr string `yaml:"control_api_listen_addr"`

	// NotificationSource selects the notification producer: "channel" or
	// "websocket".
	NotificationSource string `yaml:"notification_source"`

	// NotificationSourceURL is the upstream URL used by the websocket
	// notification source.
	NotificationSourceURL string `yaml:"notification_source_url"`

	// PreopenHostDir, if set along with PreopenGuestDir, is mounted
	// read-only into every module instance. Leave both empty to give
	// modules no filesystem access.
	PreopenHostDir  string `yaml:"preopen_host_dir"`
	PreopenGuestDir string `yaml:"preopen_guest_dir"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RegistryPath:          "xxfunc.db",
		WorkerCount:           0,
		ModuleCacheSize:       32,
		DefaultTimeout:        30 * time.Second,
		ControlAPIListenAddr:  ":8080",
		NotificationSource:    "channel",
		NotificationSourceURL: "",
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.RegistryPath == "" {
		c.RegistryPath = defaults.RegistryPath
	}
	if c.ModuleCacheSize == 0 {
		c.ModuleCacheSize = defaults.ModuleCacheSize
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaults.DefaultTimeout
	}
	if c.ControlAPIListenAddr == "" {
		c.ControlAPIListenAddr = defaults.ControlAPIListenAddr
	}
	if c.NotificationSource == "" {
		c.NotificationSource = defaults.NotificationSource
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() []error {
	var errs []error

	if c.RegistryPath == "" {
		errs = append(errs, &ValidationError{Field: "RegistryPath", Message: "must not be empty"})
	}
	if c.WorkerCount < 0 {
		errs = append(errs, &ValidationError{Field: "WorkerCount", Message: "must not be negative"})
	}
	if c.ModuleCacheSize <= 0 {
		errs = append(errs, &ValidationError{Field: "ModuleCacheSize", Message: "must be positive"})
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "DefaultTimeout", Message: "must be positive"})
	}
	if c.ControlAPIListenAddr == "" {
		errs = append(errs, &ValidationError{Field: "ControlAPIListenAddr", Message: "must not be empty"})
	}
	switch c.NotificationSource {
	case "channel", "websocket":
	default:
		errs = append(errs, &ValidationError{Field: "NotificationSource", Message: "must be 'channel' or 'websocket'"})
	}
	if c.NotificationSource == "websocket" && c.NotificationSourceURL == "" {
		errs = append(errs, &ValidationError{Field: "NotificationSourceURL", Message: "required when notification_source is 'websocket'"})
	}
	if (c.PreopenHostDir == "") != (c.PreopenGuestDir == "") {
		errs = append(errs, &ValidationError{Field: "PreopenGuestDir", Message: "PreopenHostDir and PreopenGuestDir must both be set or both be empty"})
	}

	return errs
}

// ValidationError represents a single configuration field failing validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Load reads and strictly decodes a YAML config file, applying defaults and
// validating the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := decodeStrict(f, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs)
	}

	return cfg, nil
}

// decodeStrict decodes YAML from r into out, rejecting any key that doesn't
// map to a Config field — a typo in a config file fails loudly instead of
// silently applying defaults.
func decodeStrict(r io.Reader, out interface{}) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
