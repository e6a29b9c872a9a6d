// Package config loads worker runtime configuration from an optional
// YAML file overlaid with environment variables, mirroring the layering
// used for the rest of this codebase's service configs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Bus describes how to reach the message bus backend.
type Bus struct {
	Addr          string `yaml:"addr" env:"WORKER_BUS_ADDR" envDefault:"127.0.0.1:6379"`
	Password      string `yaml:"password" env:"WORKER_BUS_PASSWORD"`
	DB            int    `yaml:"db" env:"WORKER_BUS_DB" envDefault:"0"`
	BuildsQueue   string `yaml:"builds_queue" env:"WORKER_BUILDS_QUEUE" envDefault:"reporting.jobs.builds"`
	LogsQueue     string `yaml:"logs_queue" env:"WORKER_LOGS_QUEUE" envDefault:"reporting.jobs.logs"`
	InboundQueue  string `yaml:"inbound_queue" env:"WORKER_INBOUND_QUEUE" envDefault:"builds.linux"`
	ConsumerGroup string `yaml:"consumer_group" env:"WORKER_CONSUMER_GROUP" envDefault:"travis-worker"`
}

// VM describes the firecracker backend's boot resources.
type VM struct {
	BinaryPath      string `yaml:"binary_path" env:"WORKER_VM_BINARY" envDefault:"firecracker"`
	KernelImagePath string `yaml:"kernel_image_path" env:"WORKER_VM_KERNEL"`
	RootFSBasePath  string `yaml:"rootfs_base_path" env:"WORKER_VM_ROOTFS_BASE"`
	RunDir          string `yaml:"run_dir" env:"WORKER_VM_RUN_DIR" envDefault:"/var/lib/travis-worker/run"`
	VCPUs           int64  `yaml:"vcpus" env:"WORKER_VM_VCPUS" envDefault:"2"`
	MemoryMiB       int64  `yaml:"memory_mib" env:"WORKER_VM_MEMORY_MIB" envDefault:"2048"`
	GuestCID        uint32 `yaml:"guest_cid" env:"WORKER_VM_GUEST_CID" envDefault:"3"`
	GuestPort       uint32 `yaml:"guest_port" env:"WORKER_VM_GUEST_PORT" envDefault:"10700"`
	BootSeconds     int64  `yaml:"boot_seconds" env:"WORKER_VM_BOOT_SECONDS" envDefault:"30"`
}

// Timeouts are the worker-wide defaults, overridable per job.
type Timeouts struct {
	HardLimit        time.Duration `yaml:"hard_limit" env:"WORKER_HARD_LIMIT" envDefault:"50m"`
	LogSilence       time.Duration `yaml:"log_silence" env:"WORKER_LOG_SILENCE" envDefault:"10m"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace" env:"WORKER_SHUTDOWN_GRACE" envDefault:"3m"`
	RequeueCooldown  time.Duration `yaml:"requeue_cooldown" env:"WORKER_REQUEUE_COOLDOWN" envDefault:"10s"`
}

// Config is the complete worker runtime configuration.
type Config struct {
	Host      string   `yaml:"host" env:"WORKER_HOST"`
	LogLevel  string   `yaml:"log_level" env:"WORKER_LOG_LEVEL" envDefault:"info"`
	ImageCacheDir string `yaml:"image_cache_dir" env:"WORKER_IMAGE_CACHE_DIR" envDefault:"/var/lib/travis-worker/images"`

	Bus      Bus      `yaml:"bus"`
	VM       VM       `yaml:"vm"`
	Timeouts Timeouts `yaml:"timeouts"`
}

// Load reads path (if non-empty and present) as YAML, then overlays
// environment variables on top. A missing path is not an error: the
// worker can run entirely from the environment.
func Load(path string) (Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env-only configuration
		default:
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	// Defaults fill only fields the file left unset; an environment
	// variable that is actually set still overrides the file.
	if err := env.ParseWithOptions(&cfg, env.Options{SetDefaultsForZeroValuesOnly: true}); err != nil {
		return Config{}, fmt.Errorf("parse environment overrides: %w", err)
	}

	if strings.TrimSpace(cfg.Host) == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "travis-worker"
		}
		cfg.Host = host
	}

	return cfg, nil
}

// ResolveTimeouts returns the hard-limit/log-silence pair to use for a
// job, preferring job-supplied overrides (when positive) over the
// configured defaults.
func (t Timeouts) ResolveTimeouts(hardLimitSeconds, logSilenceSeconds int64) (hardLimit, logSilence time.Duration) {
	hardLimit = t.HardLimit
	if hardLimitSeconds > 0 {
		hardLimit = time.Duration(hardLimitSeconds) * time.Second
	}
	logSilence = t.LogSilence
	if logSilenceSeconds > 0 {
		logSilence = time.Duration(logSilenceSeconds) * time.Second
	}
	return hardLimit, logSilence
}
