package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"

	"github.com/freebrew/liveRAID/internal/raid"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
)

const DefaultPath = "/etc/raidctl/raidctl.yaml"

type rawConfig struct {
	DryRun         *bool  `yaml:"dryRun"`
	BackupExisting *bool  `yaml:"backupExisting"`
	AllowRemovable *bool  `yaml:"allowRemovable"`
	TargetMount    string `yaml:"targetMount"`
	StateDir       string `yaml:"stateDir"`
	SettleTimeout  string `yaml:"settleTimeout"`
	CommandTimeout string `yaml:"commandTimeout"`
	Firmware       string `yaml:"firmware"`
	PartitionTable string `yaml:"partitionTable"`
	ESPSize        string `yaml:"espSize"`
	Filesystem     string `yaml:"filesystem"`
	Logging        struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Grub struct {
		Timeout      *int   `yaml:"timeout"`
		BootloaderID string `yaml:"bootloaderId"`
	} `yaml:"grub"`
	HTTP struct {
		Bind        string   `yaml:"bind"`
		CORSOrigins []string `yaml:"corsOrigins"`
	} `yaml:"http"`
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

type Config struct {
	DryRun         bool
	LogLevel       zerolog.Level
	BackupExisting bool
	AllowRemovable bool
	TargetMount    string
	StateDir       string
	SettleTimeout  time.Duration
	CommandTimeout time.Duration
	// Firmware is "auto" or a sysctx firmware mode.
	Firmware       string
	PartitionTable string
	ESPSize        uint64
	Filesystem     raid.Filesystem
	GrubTimeout    int
	BootloaderID   string
	Bind           string
	CORSOrigins    []string
	MetricsEnabled bool
	// Source is the file the values were read from, empty when none was.
	Source string
}

func Defaults() Config {
	return Config{
		DryRun:         true,
		LogLevel:       zerolog.InfoLevel,
		BackupExisting: true,
		TargetMount:    "/target",
		StateDir:       "/var/lib/raidctl",
		SettleTimeout:  30 * time.Second,
		CommandTimeout: 10 * time.Minute,
		Firmware:       "auto",
		PartitionTable: string(sysctx.GPT),
		ESPSize:        512 << 20,
		Filesystem:     raid.Ext4,
		GrubTimeout:    5,
		BootloaderID:   "raidctl",
		Bind:           "127.0.0.1:9400",
		MetricsEnabled: true,
	}
}

// Load reads path (a missing file is not an error), then applies RAIDCTL_*
// environment overrides. Values are validated after both layers.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		var raw rawConfig
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := cfg.apply(raw); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
		cfg.Source = path
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.fromEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) apply(raw rawConfig) error {
	setBool(&c.DryRun, raw.DryRun)
	setBool(&c.BackupExisting, raw.BackupExisting)
	setBool(&c.AllowRemovable, raw.AllowRemovable)
	setBool(&c.MetricsEnabled, raw.Metrics.Enabled)
	setString(&c.TargetMount, raw.TargetMount)
	setString(&c.StateDir, raw.StateDir)
	setString(&c.Firmware, raw.Firmware)
	setString(&c.PartitionTable, raw.PartitionTable)
	setString(&c.BootloaderID, raw.Grub.BootloaderID)
	setString(&c.Bind, raw.HTTP.Bind)
	if len(raw.HTTP.CORSOrigins) > 0 {
		c.CORSOrigins = raw.HTTP.CORSOrigins
	}
	if raw.Grub.Timeout != nil {
		c.GrubTimeout = *raw.Grub.Timeout
	}
	return c.parse(raw.Logging.Level, raw.SettleTimeout, raw.CommandTimeout, raw.ESPSize, raw.Filesystem)
}

func (c *Config) fromEnv() error {
	for key, dst := range map[string]*bool{
		"RAIDCTL_DRY_RUN":         &c.DryRun,
		"RAIDCTL_BACKUP_EXISTING": &c.BackupExisting,
		"RAIDCTL_ALLOW_REMOVABLE": &c.AllowRemovable,
		"RAIDCTL_METRICS":         &c.MetricsEnabled,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	for key, dst := range map[string]*string{
		"RAIDCTL_TARGET_MOUNT":    &c.TargetMount,
		"RAIDCTL_STATE_DIR":       &c.StateDir,
		"RAIDCTL_FIRMWARE":        &c.Firmware,
		"RAIDCTL_PARTITION_TABLE": &c.PartitionTable,
		"RAIDCTL_BOOTLOADER_ID":   &c.BootloaderID,
		"RAIDCTL_HTTP_BIND":       &c.Bind,
	} {
		setString(dst, os.Getenv(key))
	}
	if v := os.Getenv("RAIDCTL_GRUB_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RAIDCTL_GRUB_TIMEOUT: %w", err)
		}
		c.GrubTimeout = n
	}
	return c.parse(os.Getenv("RAIDCTL_LOG"), os.Getenv("RAIDCTL_SETTLE_TIMEOUT"),
		os.Getenv("RAIDCTL_COMMAND_TIMEOUT"), os.Getenv("RAIDCTL_ESP_SIZE"), os.Getenv("RAIDCTL_FILESYSTEM"))
}

// parse applies the non-string values; empty inputs leave fields alone.
func (c *Config) parse(level, settle, command, espSize, fs string) error {
	if level != "" {
		l, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		c.LogLevel = l
	}
	if settle != "" {
		d, err := time.ParseDuration(settle)
		if err != nil {
			return fmt.Errorf("settleTimeout: %w", err)
		}
		c.SettleTimeout = d
	}
	if command != "" {
		d, err := time.ParseDuration(command)
		if err != nil {
			return fmt.Errorf("commandTimeout: %w", err)
		}
		c.CommandTimeout = d
	}
	if espSize != "" {
		n, err := blk.ParseSize(espSize)
		if err != nil {
			return fmt.Errorf("espSize: %w", err)
		}
		c.ESPSize = n
	}
	if fs != "" {
		f, err := raid.ParseFilesystem(fs)
		if err != nil {
			return err
		}
		c.Filesystem = f
	}
	return nil
}

func (c Config) Validate() error {
	if c.Firmware != "auto" {
		if _, err := sysctx.ParseFirmware(c.Firmware); err != nil {
			return err
		}
	}
	if _, err := sysctx.ParseTable(c.PartitionTable); err != nil {
		return err
	}
	if c.SettleTimeout <= 0 || c.CommandTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.ESPSize < 32<<20 {
		return fmt.Errorf("espSize %s is below the 32MiB FAT32 minimum", blk.FormatSize(c.ESPSize))
	}
	if !strings.HasPrefix(c.TargetMount, "/") || c.TargetMount == "/" {
		return fmt.Errorf("targetMount %q must be an absolute path other than /", c.TargetMount)
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
