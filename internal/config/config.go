// Package config loads the driver's tunables from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "pvgpu.yaml"

	// EnvPath names a config file to load instead of the default locations.
	EnvPath = "PVGPU_CONFIG"

	DefaultTransferBufferBytes = 256 << 10
	DefaultAllocListEntries    = 1024
	DefaultWaitTimeout         = 2 * time.Second
)

// VSync selects when presents wait for vertical blank.
type VSync string

const (
	VSyncAuto   VSync = "auto"
	VSyncAlways VSync = "always"
	VSyncNever  VSync = "never"
)

// Config holds everything a device needs that is not negotiated with the
// host. Zero values are replaced with defaults by Load.
type Config struct {
	// TransferBufferBytes is the command buffer size requested per chunk.
	TransferBufferBytes int `yaml:"transfer_buffer_bytes"`
	// AllocListEntries is the allocation list capacity requested per chunk.
	AllocListEntries int `yaml:"alloc_list_entries"`
	// EncoderLimit caps the size of one command stream. Zero is unlimited.
	EncoderLimit int `yaml:"encoder_limit,omitempty"`

	VBlankSupported bool  `yaml:"vblank_supported"`
	VSync           VSync `yaml:"vsync"`

	WaitTimeout time.Duration `yaml:"wait_timeout"`

	FencePagePath     string `yaml:"fence_page,omitempty"`
	HandleCounterPath string `yaml:"handle_counter,omitempty"`
	BrokerSocket      string `yaml:"broker_socket,omitempty"`
	TracePath         string `yaml:"trace,omitempty"`
	HostLibrary       string `yaml:"host_library,omitempty"`
}

func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.TransferBufferBytes <= 0 {
		c.TransferBufferBytes = DefaultTransferBufferBytes
	}
	if c.AllocListEntries <= 0 {
		c.AllocListEntries = DefaultAllocListEntries
	}
	if c.EncoderLimit < 0 {
		c.EncoderLimit = 0
	}
	c.VSync = VSync(strings.ToLower(strings.TrimSpace(string(c.VSync))))
	if c.VSync == "" {
		c.VSync = VSyncAuto
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
}

func (c Config) validate() error {
	switch c.VSync {
	case VSyncAuto, VSyncAlways, VSyncNever:
	default:
		return fmt.Errorf("vsync: unknown policy %q", c.VSync)
	}
	if c.EncoderLimit != 0 && c.EncoderLimit < 64 {
		return fmt.Errorf("encoder_limit: %d bytes cannot hold a packet", c.EncoderLimit)
	}
	return nil
}

// PresentWaitsForVBlank reports whether a present should carry the vsync
// flag. The host must support vblank; auto follows the application's sync
// interval.
func (c Config) PresentWaitsForVBlank(syncInterval int) bool {
	if !c.VBlankSupported {
		return false
	}
	switch c.VSync {
	case VSyncAlways:
		return true
	case VSyncNever:
		return false
	}
	return syncInterval > 0
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w (%s)", err, path)
	}
	return c, nil
}

// LoadEnv loads the file named by PVGPU_CONFIG, falling back to pvgpu.yaml
// in the working directory.
func LoadEnv() (Config, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return Load(p)
	}
	return Load(DefaultFilename)
}

// Write stores c as YAML.
func Write(path string, c Config) error {
	c.normalize()
	data, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
