// Package config loads the vmctl configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/vmctl/internal/telemetry"
)

// EnvConfigPath overrides the default configuration file location.
const EnvConfigPath = "VMCTL_CONFIG"

// Config is the top-level vmctl configuration.
type Config struct {
	// Backend is the backend used when --backend is not given.
	Backend string `yaml:"backend" validate:"omitempty,oneof=linode libvirt digitalocean hetzner ec2"`

	Wait    WaitConfig              `yaml:"wait"`
	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	Linode       LinodeConfig       `yaml:"linode"`
	Libvirt      LibvirtConfig      `yaml:"libvirt"`
	DigitalOcean DigitalOceanConfig `yaml:"digitalocean"`
	Hetzner      HetznerConfig      `yaml:"hetzner"`
	EC2          EC2Config          `yaml:"ec2"`
}

// WaitConfig tunes the sync-wait engine.
type WaitConfig struct {
	// Interval between two status probes.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
	// Timeout bounds a single wait. Unset means 30m, zero means unbounded.
	Timeout *time.Duration `yaml:"timeout" validate:"omitempty,gte=0"`
	// DiskInterval is the poll interval for disk readiness during staged
	// creation.
	DiskInterval time.Duration `yaml:"disk_interval" validate:"gte=0"`
}

// LinodeConfig configures the linode backend.
type LinodeConfig struct {
	TokenEnv string `yaml:"token_env"`
	Region   string `yaml:"region"`
	Type     string `yaml:"type"`
	SwapMB   int    `yaml:"swap_mb" validate:"gte=0"`
	// URL overrides the API base URL.
	URL string `yaml:"url" validate:"omitempty,url"`
}

// LibvirtConfig configures the libvirt backend.
type LibvirtConfig struct {
	// URI is the libvirt connection URI (qemu:///system, qemu+tcp://host/system).
	URI       string `yaml:"uri"`
	Pool      string `yaml:"pool"`
	ImagePool string `yaml:"image_pool"`
	Bridge    string `yaml:"bridge"`
	SwapMB    int    `yaml:"swap_mb" validate:"gte=0"`

	Templates []LibvirtTemplate `yaml:"templates" validate:"dive"`
}

// LibvirtTemplate describes an instance blueprint. libvirt has no notion of
// templates so they are declared here.
type LibvirtTemplate struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`
	// Image is a volume reference: "volume" (in the image pool) or
	// "pool:volume".
	Image     string `yaml:"image" validate:"required"`
	VCPUs     int    `yaml:"vcpus" validate:"gte=1,lte=128"`
	MemoryMiB int    `yaml:"memory_mib" validate:"gte=256"`
	// DiskGB is the total disk budget, swap included.
	DiskGB int `yaml:"disk_gb" validate:"gte=1"`
}

// DigitalOceanConfig configures the digitalocean backend.
type DigitalOceanConfig struct {
	TokenEnv string `yaml:"token_env"`
	Region   string `yaml:"region"`
	Size     string `yaml:"size"`
}

// HetznerConfig configures the hetzner backend.
type HetznerConfig struct {
	TokenEnv   string `yaml:"token_env"`
	Location   string `yaml:"location"`
	ServerType string `yaml:"server_type"`
}

// EC2Config configures the ec2 backend. Credentials come from the standard
// AWS chain (environment, shared config, instance role).
type EC2Config struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// WaitTimeout returns the configured wait timeout.
func (w WaitConfig) WaitTimeout() time.Duration {
	if w.Timeout == nil {
		return 30 * time.Minute
	}
	return *w.Timeout
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in defaults for every unset field.
// This is called automatically by LoadFromFile before validation.
func (c *Config) Normalize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = "linode"
	}

	if c.Wait.Interval == 0 {
		c.Wait.Interval = 5 * time.Second
	}
	if c.Wait.Timeout == nil {
		d := 30 * time.Minute
		c.Wait.Timeout = &d
	}
	if c.Wait.DiskInterval == 0 {
		c.Wait.DiskInterval = 2 * time.Second
	}

	if c.Linode.TokenEnv == "" {
		c.Linode.TokenEnv = "LINODE_TOKEN"
	}
	if c.Linode.Region == "" {
		c.Linode.Region = "eu-west"
	}
	if c.Linode.Type == "" {
		c.Linode.Type = "g6-standard-4"
	}
	if c.Linode.SwapMB == 0 {
		c.Linode.SwapMB = 1024
	}

	if c.Libvirt.URI == "" {
		c.Libvirt.URI = "qemu:///system"
	}
	if c.Libvirt.Pool == "" {
		c.Libvirt.Pool = "vmctl-vms"
	}
	if c.Libvirt.ImagePool == "" {
		c.Libvirt.ImagePool = "vmctl-images"
	}
	if c.Libvirt.Bridge == "" {
		c.Libvirt.Bridge = "virbr0"
	}
	if c.Libvirt.SwapMB == 0 {
		c.Libvirt.SwapMB = 1024
	}
	for i := range c.Libvirt.Templates {
		t := &c.Libvirt.Templates[i]
		t.Name = strings.TrimSpace(t.Name)
		if t.VCPUs == 0 {
			t.VCPUs = 2
		}
		if t.MemoryMiB == 0 {
			t.MemoryMiB = 2048
		}
		if t.DiskGB == 0 {
			t.DiskGB = 20
		}
	}

	if c.DigitalOcean.TokenEnv == "" {
		c.DigitalOcean.TokenEnv = "DIGITALOCEAN_TOKEN"
	}
	if c.DigitalOcean.Region == "" {
		c.DigitalOcean.Region = "ams3"
	}
	if c.DigitalOcean.Size == "" {
		c.DigitalOcean.Size = "s-2vcpu-4gb"
	}

	if c.Hetzner.TokenEnv == "" {
		c.Hetzner.TokenEnv = "HCLOUD_TOKEN"
	}
	if c.Hetzner.Location == "" {
		c.Hetzner.Location = "fsn1"
	}
	if c.Hetzner.ServerType == "" {
		c.Hetzner.ServerType = "cx22"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Libvirt.Templates))
	for i, t := range c.Libvirt.Templates {
		if seen[t.Name] {
			return fmt.Errorf("libvirt.templates[%d]: duplicate template name %q", i, t.Name)
		}
		seen[t.Name] = true
		if _, _, err := t.ParseImageReference(c.Libvirt.ImagePool); err != nil {
			return fmt.Errorf("libvirt.templates[%d]: %w", i, err)
		}
		if t.DiskGB*1024 <= c.Libvirt.SwapMB {
			return fmt.Errorf("libvirt.templates[%d]: disk_gb must leave room for %d MB of swap", i, c.Libvirt.SwapMB)
		}
	}
	return nil
}

// ParseImageReference returns the pool and volume named by the template
// image. Supported formats:
//   - Volume name only: "fedora-43" -> uses defaultPool
//   - Pool:volume format: "vmctl-images:fedora-43"
func (t *LibvirtTemplate) ParseImageReference(defaultPool string) (string, string, error) {
	if t.Image == "" {
		return "", "", errors.New("image is required")
	}
	if strings.Contains(t.Image, "/") {
		return "", "", fmt.Errorf("image must be a volume name, not a path: %q (import it with 'vmctl image import')", t.Image)
	}
	if pool, volume, ok := strings.Cut(t.Image, ":"); ok {
		pool = strings.TrimSpace(pool)
		volume = strings.TrimSpace(volume)
		if pool == "" || volume == "" {
			return "", "", fmt.Errorf("invalid pool:volume format: pool and volume cannot be empty")
		}
		return pool, volume, nil
	}
	return defaultPool, t.Image, nil
}

// Secret reads a credential from the environment variable named by env.
func Secret(env string) (string, error) {
	if env == "" {
		return "", errors.New("no environment variable configured for credential")
	}
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", env)
	}
	return v, nil
}

// DefaultPath returns $VMCTL_CONFIG, or ~/.config/vmctl/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".config", "vmctl", "config.yaml")
	}
	return filepath.Join(dir, "vmctl", "config.yaml")
}

// Load reads the configuration at path. A missing file at the default
// location yields the defaults; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
	}
	return LoadFromFile(path)
}

// LoadFromFile loads a configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Normalize user input before validation
	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
