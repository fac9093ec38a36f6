package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Write   Write   `yaml:"write"`
	Regen   Regen   `yaml:"regen"`
	Image   Image   `yaml:"image"`
	Journal Journal `yaml:"journal"`
	Log     Log     `yaml:"log"`
}

type Write struct {
	// Block size for the copy, humanized ("4MiB", "1M")
	BlockSize string `yaml:"block_size"`
	// Copier back end: "dd" or "native"
	Copier string `yaml:"copier"`
	// How long to wait for loop partition nodes after binding, e.g. "10s"
	LoopSettleTimeout string `yaml:"loop_settle_timeout"`
}

type Regen struct {
	Enabled         *bool    `yaml:"enabled,omitempty"`
	EFIGrubConfig   string   `yaml:"efi_grub_config"`
	ExtlinuxConfig  string   `yaml:"extlinux_config"`
	LoaderEntryDirs []string `yaml:"loader_entry_dirs"`
	Fstab           string   `yaml:"fstab"`
	// Parent directory for temporary mount points; empty uses os.TempDir
	MountDir string `yaml:"mount_dir,omitempty"`
}

type Image struct {
	WorkDir       string `yaml:"work_dir,omitempty"`
	RemoveArchive bool   `yaml:"remove_archive"`
}

type Journal struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// defaultConfig mirrors the layout of Fedora ARM images
var defaultConfig = Config{
	Write: Write{
		BlockSize:         "4MiB",
		Copier:            "dd",
		LoopSettleTimeout: "10s",
	},
	Regen: Regen{
		EFIGrubConfig:   "/EFI/fedora/grub.cfg",
		ExtlinuxConfig:  "/extlinux/extlinux.conf",
		LoaderEntryDirs: []string{"boot:/loader/entries", "root:/boot/loader/entries"},
		Fstab:           "/etc/fstab",
	},
	Journal: Journal{
		Path: "/var/lib/imgforge/journal.db",
	},
	Log: Log{
		Level:  "info",
		Format: "text",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	cfg.Regen.LoaderEntryDirs = append([]string(nil), defaultConfig.Regen.LoaderEntryDirs...)
	return &cfg
}

func Load(path string) (*Config, error) {
	if path == "" {
		// Try default locations
		candidates := []string{
			"/etc/imgforge/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/imgforge/config.yaml"),
			"config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Apply defaults for missing fields
func (c *Config) applyDefaults() {
	if c.Write.BlockSize == "" {
		c.Write.BlockSize = defaultConfig.Write.BlockSize
	}
	if c.Write.Copier == "" {
		c.Write.Copier = defaultConfig.Write.Copier
	}
	if c.Write.LoopSettleTimeout == "" {
		c.Write.LoopSettleTimeout = defaultConfig.Write.LoopSettleTimeout
	}
	if c.Regen.EFIGrubConfig == "" {
		c.Regen.EFIGrubConfig = defaultConfig.Regen.EFIGrubConfig
	}
	if c.Regen.ExtlinuxConfig == "" {
		c.Regen.ExtlinuxConfig = defaultConfig.Regen.ExtlinuxConfig
	}
	if len(c.Regen.LoaderEntryDirs) == 0 {
		c.Regen.LoaderEntryDirs = append([]string(nil), defaultConfig.Regen.LoaderEntryDirs...)
	}
	if c.Regen.Fstab == "" {
		c.Regen.Fstab = defaultConfig.Regen.Fstab
	}
	if c.Journal.Path == "" {
		c.Journal.Path = defaultConfig.Journal.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultConfig.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultConfig.Log.Format
	}
}

// Validate checks values that would otherwise fail deep inside a stage.
func (c *Config) Validate() error {
	if _, err := c.BlockSizeBytes(); err != nil {
		return err
	}
	if _, err := c.LoopSettle(); err != nil {
		return err
	}
	switch c.Write.Copier {
	case "dd", "native":
	default:
		return fmt.Errorf("invalid write.copier %q (want dd or native)", c.Write.Copier)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// BlockSizeBytes parses the copy block size.
func (c *Config) BlockSizeBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.Write.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("invalid write.block_size %q: %w", c.Write.BlockSize, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid write.block_size %q: must be positive", c.Write.BlockSize)
	}
	return n, nil
}

// LoopSettle parses the wait for loop partition nodes.
func (c *Config) LoopSettle() (time.Duration, error) {
	d, err := time.ParseDuration(c.Write.LoopSettleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid write.loop_settle_timeout %q: %w", c.Write.LoopSettleTimeout, err)
	}
	return d, nil
}

// RegenEnabled defaults to true when unset.
func (c *Config) RegenEnabled() bool {
	return c.Regen.Enabled == nil || *c.Regen.Enabled
}

// JournalEnabled defaults to true when unset.
func (c *Config) JournalEnabled() bool {
	return c.Journal.Enabled == nil || *c.Journal.Enabled
}
