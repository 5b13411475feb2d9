// Package config loads freq configuration from JSONC files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sugawarayuuta/sonnet"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/wordfreq/internal/report"
	"github.com/calvinalkan/wordfreq/pkg/pool"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
)

// FileName is the project config file name.
const FileName = ".freq.json"

// DefaultPoolSize is the capacity of pools created without a size.
const DefaultPoolSize = 64 << 20

// Config holds all configuration options.
type Config struct {
	Pool     string `json:"pool"`
	PoolSize int64  `json:"pool_size"`
	Sync     string `json:"sync"`
	Jobs     int    `json:"jobs"`
	Format   string `json:"format"`

	// WorkDir is the directory relative paths resolve against.
	WorkDir string `json:"-"`

	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Pool:     "freq.pool",
		PoolSize: DefaultPoolSize,
		Sync:     pool.SyncFull.String(),
		Format:   string(report.FormatText),
	}
}

// fileConfig is the on-disk form. Nil fields are not set by the file.
type fileConfig struct {
	Pool     *string `json:"pool"`
	PoolSize *int64  `json:"pool_size"`
	Sync     *string `json:"sync"`
	Jobs     *int    `json:"jobs"`
	Format   *string `json:"format"`
}

// Overrides are values from command line flags. Empty fields are unset.
type Overrides struct {
	Pool string
	Sync string
	Jobs int
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDir    string            // empty means os.Getwd()
	ConfigPath string            // -c/--config flag value
	Overrides  Overrides         // flag values
	Env        map[string]string // environment variables
}

// Load resolves the configuration. Later sources win:
//  1. defaults
//  2. global config ($XDG_CONFIG_HOME/freq/config.json or ~/.config/freq/config.json)
//  3. project config (.freq.json in the work dir), or the explicit config file
//  4. flag overrides
//
// The pool path in the result is absolute.
func Load(in LoadInput) (Config, error) {
	workDir := in.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(in.Env); path != "" {
		fc, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fc)
			cfg.Sources.Global = path
		}
	}

	path := in.ConfigPath
	mustExist := path != ""

	if path == "" {
		path = FileName
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	fc, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, fc)
		cfg.Sources.Project = path
	}

	if in.Overrides.Pool != "" {
		cfg.Pool = in.Overrides.Pool
	}

	if in.Overrides.Sync != "" {
		cfg.Sync = in.Overrides.Sync
	}

	if in.Overrides.Jobs != 0 {
		cfg.Jobs = in.Overrides.Jobs
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	if !filepath.IsAbs(cfg.Pool) {
		cfg.Pool = filepath.Join(workDir, cfg.Pool)
	}

	cfg.WorkDir = workDir

	return cfg, nil
}

// SyncMode returns the parsed sync setting.
func (c Config) SyncMode() pool.SyncMode {
	m, _ := pool.ParseSyncMode(c.Sync)
	return m
}

func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "freq", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "freq", "config.json")
	}

	return ""
}

func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !mustExist {
			return fileConfig{}, false, nil
		}

		if os.IsNotExist(err) {
			return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}

		return fileConfig{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	fc, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig

	if err := sonnet.Unmarshal(standardized, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if fc.Pool != nil && *fc.Pool == "" {
		return fileConfig{}, errors.New("pool cannot be empty")
	}

	return fc, nil
}

func merge(base Config, fc fileConfig) Config {
	if fc.Pool != nil {
		base.Pool = *fc.Pool
	}

	if fc.PoolSize != nil {
		base.PoolSize = *fc.PoolSize
	}

	if fc.Sync != nil {
		base.Sync = *fc.Sync
	}

	if fc.Jobs != nil {
		base.Jobs = *fc.Jobs
	}

	if fc.Format != nil {
		base.Format = *fc.Format
	}

	return base
}

func validate(cfg Config) error {
	if cfg.Pool == "" {
		return errors.New("pool cannot be empty")
	}

	if cfg.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
	}

	if cfg.Jobs < 0 {
		return fmt.Errorf("jobs cannot be negative, got %d", cfg.Jobs)
	}

	if _, err := pool.ParseSyncMode(cfg.Sync); err != nil {
		return err
	}

	if _, err := report.ParseFormat(cfg.Format); err != nil {
		return err
	}

	return nil
}
