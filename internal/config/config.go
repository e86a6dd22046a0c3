package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/fxnlabs/rdna/internal/gpu"
	"github.com/fxnlabs/rdna/internal/memory"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Backend   BackendConfig   `yaml:"backend"`
	Server    ServerConfig    `yaml:"server"`
}

// AllocatorConfig holds the allocator tunables. Sizes accept human units
// such as "512", "64KiB" or "1GiB".
type AllocatorConfig struct {
	CacheSizeLimit     string `yaml:"cacheSizeLimit"`
	CacheableThreshold string `yaml:"cacheableThreshold"`
	MinSplitRemainder  string `yaml:"minSplitRemainder"`
	Strict             bool   `yaml:"strict"`
	StreamOrderedReuse bool   `yaml:"streamOrderedReuse"`
}

type BackendConfig struct {
	// Kind is "auto", "hip" or "host".
	Kind         string `yaml:"kind"`
	HostCapacity string `yaml:"hostCapacity"`
	HostDevices  int    `yaml:"hostDevices"`
}

type ServerConfig struct {
	ListenAddress   string        `yaml:"listenAddress"`
	ListenPort      int           `yaml:"listenPort"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	cfg := &Config{
		Allocator: AllocatorConfig{
			CacheSizeLimit:     "1GiB",
			CacheableThreshold: "1KiB",
			MinSplitRemainder:  "512",
			StreamOrderedReuse: true,
		},
		Backend: BackendConfig{
			Kind:        gpu.BackendAuto,
			HostDevices: 1,
		},
		Server: ServerConfig{
			ListenAddress:   "127.0.0.1",
			ListenPort:      9400,
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
	cfg.Logger.Verbosity = "info"
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every field that cannot be caught by decoding.
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		return fmt.Errorf("logger.verbosity: %w", err)
	}
	if _, err := c.MemoryConfig(); err != nil {
		return err
	}
	if _, err := c.GPUOptions(); err != nil {
		return err
	}
	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listenPort: %d out of range", c.Server.ListenPort)
	}
	if c.Server.ShutdownTimeout < 0 || c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server: timeouts must not be negative")
	}
	return nil
}

// MemoryConfig converts the allocator section.
func (c *Config) MemoryConfig() (memory.Config, error) {
	a := c.Allocator
	limit, err := parseSize("allocator.cacheSizeLimit", a.CacheSizeLimit)
	if err != nil {
		return memory.Config{}, err
	}
	threshold, err := parseSize("allocator.cacheableThreshold", a.CacheableThreshold)
	if err != nil {
		return memory.Config{}, err
	}
	remainder, err := parseSize("allocator.minSplitRemainder", a.MinSplitRemainder)
	if err != nil {
		return memory.Config{}, err
	}
	return memory.Config{
		CacheSizeLimit:     limit,
		CacheableThreshold: threshold,
		MinSplitRemainder:  remainder,
		Strict:             a.Strict,
		StreamOrderedReuse: a.StreamOrderedReuse,
	}, nil
}

// GPUOptions converts the backend section.
func (c *Config) GPUOptions() (gpu.Options, error) {
	b := c.Backend
	switch b.Kind {
	case gpu.BackendAuto, gpu.BackendHIP, gpu.BackendHost:
	default:
		return gpu.Options{}, fmt.Errorf("backend.kind: unknown backend %q", b.Kind)
	}
	if b.HostDevices < 1 {
		return gpu.Options{}, fmt.Errorf("backend.hostDevices: must be at least 1, got %d", b.HostDevices)
	}
	capacity, err := parseSize("backend.hostCapacity", b.HostCapacity)
	if err != nil {
		return gpu.Options{}, err
	}
	return gpu.Options{
		Backend:      b.Kind,
		HostCapacity: capacity,
		HostDevices:  b.HostDevices,
	}, nil
}

// Addr returns the server listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.ListenAddress, strconv.Itoa(c.Server.ListenPort))
}

// parseSize accepts an empty string as zero.
func parseSize(key, value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: negative size %q", key, value)
	}
	return uint64(n), nil
}
