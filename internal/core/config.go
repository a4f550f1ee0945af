package core

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/flowgen/internal/dataset"
	"github.com/3cpo-dev/flowgen/internal/foam"
)

const (
	StrategyPool = "pool"
	StrategyTemp = "temp"

	EnvSeed    = "FLOWGEN_SEED"
	EnvSamples = "FLOWGEN_SAMPLES"
)

// Config is the generator configuration as read from YAML.
type Config struct {
	Samples int `yaml:"samples"`
	// Seed is optional; a fresh seed is drawn and logged when it is nil.
	Seed         *uint64 `yaml:"seed,omitempty"`
	GeometryDir  string  `yaml:"geometry_dir"`
	CaseTemplate string  `yaml:"case_template"`
	OutputDir    string  `yaml:"output_dir"`
	WorkDir      string  `yaml:"work_dir"`
	Resolution   int     `yaml:"resolution"`
	Sampling     struct {
		MaxAngle     float64 `yaml:"max_angle"`
		BaseLength   float64 `yaml:"base_length"`
		LengthFactor float64 `yaml:"length_factor"`
	} `yaml:"sampling"`
	Workers   int `yaml:"workers"`
	Workspace struct {
		Strategy string `yaml:"strategy"`
		Slots    int    `yaml:"slots"`
	} `yaml:"workspace"`
	Tools struct {
		Mesher         string `yaml:"mesher"`
		Converter      string `yaml:"converter"`
		Clean          string `yaml:"clean"`
		Solver         string `yaml:"solver"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		GraceSeconds   int    `yaml:"grace_seconds"`
		// EnvFile holds KEY=VALUE pairs added to every tool's environment.
		EnvFile string `yaml:"env_file,omitempty"`
	} `yaml:"tools"`
	SampleFile string `yaml:"sample_file"`
	Codec      string `yaml:"codec"`
	Abort      struct {
		Ratio   float64 `yaml:"ratio"`
		MinJobs int     `yaml:"min_jobs"`
	} `yaml:"abort"`
	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`
	Sync struct {
		Enabled        bool   `yaml:"enabled"`
		Addr           string `yaml:"addr"`
		User           string `yaml:"user"`
		KeyPath        string `yaml:"key_path"`
		KnownHosts     string `yaml:"known_hosts"`
		AcceptNewHosts bool   `yaml:"accept_new_hosts"`
		RemoteDir      string `yaml:"remote_dir"`
		Retries        int    `yaml:"retries"`
	} `yaml:"sync"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		MonitoringAddr string `yaml:"monitoring_addr"`
	} `yaml:"telemetry"`
}

// DefaultConfigDir is $XDG_CONFIG_HOME/flowgen or ~/.config/flowgen.
func DefaultConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "flowgen")
}

// DefaultConfigPath is the config file read when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultConfig mirrors the settings of the reference data generator.
func DefaultConfig() Config {
	var cfg Config
	cfg.Samples = 100
	cfg.GeometryDir = "airfoil_database"
	cfg.CaseTemplate = "OpenFOAM"
	cfg.OutputDir = "train"
	cfg.WorkDir = "work"
	cfg.Resolution = 128
	cfg.Sampling.MaxAngle = math.Pi / 8
	cfg.Sampling.BaseLength = 10
	cfg.Sampling.LengthFactor = 10
	cfg.Workspace.Strategy = StrategyPool
	cfg.Workspace.Slots = 4
	cfg.Tools.Mesher = "gmsh airfoil.geo -format msh2 -3 -o airfoil.msh"
	cfg.Tools.Converter = "gmshToFoam airfoil.msh"
	cfg.Tools.Clean = "./Allclean"
	cfg.Tools.Solver = "simpleFoam"
	cfg.Tools.TimeoutSeconds = 1800
	cfg.Tools.GraceSeconds = 10
	cfg.SampleFile = foam.DefaultSampleFile
	cfg.Codec = dataset.CodecNpz
	cfg.Abort.Ratio = 0.5
	cfg.Abort.MinJobs = 10
	cfg.Ledger.Path = "flowgen.db"
	cfg.Sync.User = "flowgen"
	cfg.Sync.KeyPath = filepath.Join(DefaultConfigDir(), "ssh", "id_ed25519")
	cfg.Sync.KnownHosts = filepath.Join(DefaultConfigDir(), "ssh", "known_hosts")
	cfg.Sync.Retries = 3
	cfg.Telemetry.MonitoringAddr = "127.0.0.1:9090"
	return cfg
}

// LoadConfig reads YAML configuration from a path on top of the defaults.
// If path is empty, it resolves $XDG_CONFIG_HOME/flowgen/config.yaml and
// falls back to the defaults when that file does not exist. Environment
// overrides are applied last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvSeed)); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSeed, err)
		}
		c.Seed = &seed
	}
	if v := strings.TrimSpace(os.Getenv(EnvSamples)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSamples, err)
		}
		c.Samples = n
	}
	return nil
}

// Validate checks bounds and required fields.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Samples > 0, "samples must be positive, got %d", c.Samples)
	check(c.Resolution > 0, "resolution must be positive, got %d", c.Resolution)
	check(c.GeometryDir != "", "geometry_dir is required")
	check(c.CaseTemplate != "", "case_template is required")
	check(c.OutputDir != "", "output_dir is required")
	check(c.WorkDir != "", "work_dir is required")
	check(c.Sampling.MaxAngle >= 0 && c.Sampling.MaxAngle <= math.Pi, "sampling.max_angle must be in [0, pi], got %g", c.Sampling.MaxAngle)
	check(c.Sampling.BaseLength > 0, "sampling.base_length must be positive, got %g", c.Sampling.BaseLength)
	check(c.Sampling.LengthFactor >= 1, "sampling.length_factor must be at least 1, got %g", c.Sampling.LengthFactor)
	check(c.Workers >= 0, "workers must not be negative, got %d", c.Workers)
	check(c.Workspace.Strategy == StrategyPool || c.Workspace.Strategy == StrategyTemp,
		"workspace.strategy must be %q or %q, got %q", StrategyPool, StrategyTemp, c.Workspace.Strategy)
	check(c.Workspace.Strategy != StrategyPool || c.Workspace.Slots > 0, "workspace.slots must be positive, got %d", c.Workspace.Slots)
	check(strings.TrimSpace(c.Tools.Mesher) != "", "tools.mesher is required")
	check(strings.TrimSpace(c.Tools.Converter) != "", "tools.converter is required")
	check(strings.TrimSpace(c.Tools.Solver) != "", "tools.solver is required")
	check(c.Tools.TimeoutSeconds >= 0, "tools.timeout_seconds must not be negative")
	check(c.Tools.GraceSeconds >= 0, "tools.grace_seconds must not be negative")
	check(c.Abort.Ratio > 0 && c.Abort.Ratio <= 1, "abort.ratio must be in (0, 1], got %g", c.Abort.Ratio)
	check(c.Abort.MinJobs >= 0, "abort.min_jobs must not be negative")
	if _, err := dataset.ParseCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.Enabled {
		check(c.Sync.Addr != "", "sync.addr is required when sync is enabled")
		check(c.Sync.RemoteDir != "", "sync.remote_dir is required when sync is enabled")
		check(c.Sync.KeyPath != "", "sync.key_path is required when sync is enabled")
		check(c.Sync.Retries >= 0, "sync.retries must not be negative")
	}
	return errors.Join(errs...)
}

// WorkerCount is the configured worker count, defaulting to the slot count.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	if c.Workspace.Strategy == StrategyPool && c.Workspace.Slots > 0 {
		return c.Workspace.Slots
	}
	return 1
}

func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.TimeoutSeconds) * time.Second
}

func (c Config) ToolGrace() time.Duration {
	return time.Duration(c.Tools.GraceSeconds) * time.Second
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
