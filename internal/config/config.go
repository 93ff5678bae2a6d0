package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/user/gterm/configs"
)

const (
	TransportFIFO   = "fifo"
	TransportPacket = "packet"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Transport         TransportConfig `yaml:"transport"`
	ExclusionPatterns []string        `yaml:"exclusion_patterns"`
	Archive           ArchiveConfig   `yaml:"archive"`
	API               APIConfig       `yaml:"api"`
	MCP               MCPConfig       `yaml:"mcp"`
	Script            ScriptConfig    `yaml:"script"`
	Log               LogConfig       `yaml:"log"`

	// ConfigPath is where the file was read from. Not serialised.
	ConfigPath string `yaml:"-"`
	// PrintArchive is a day (2006-01-02) to print from the archive before
	// exiting. Flag only.
	PrintArchive string `yaml:"-"`
}

type TransportConfig struct {
	Kind       string `yaml:"kind"`
	ReadPath   string `yaml:"read_path"`
	WritePath  string `yaml:"write_path"`
	SocketPath string `yaml:"socket_path"`
	CreateFIFO bool   `yaml:"create_fifo"`
}

type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Secret  string `yaml:"secret"`
}

type MCPConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Port               int    `yaml:"port"`
	Secret             string `yaml:"secret"`
	CollectionWindowMs int    `yaml:"collection_window_ms"`
}

type ScriptConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// Default returns the built-in settings used before the file is applied.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:       TransportFIFO,
			ReadPath:   "/tmp/garrysmod_console",
			WritePath:  "/tmp/garrysmod_console_in",
			SocketPath: "/tmp/garrysmod_console.sock",
			CreateFIFO: true,
		},
		Archive: ArchiveConfig{Enabled: true, DBPath: "gterm.db", RetentionDays: 30},
		API:     APIConfig{Port: 27512},
		MCP:     MCPConfig{Port: 27513, CollectionWindowMs: 1000},
		Log:     LogConfig{Level: "info", Path: "gterm.log"},
	}
}

// Load builds the configuration from defaults, the yaml file and then any
// flags that were set explicitly in args. A missing file is created from the
// shipped default.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("gterm", pflag.ContinueOnError)
	var (
		configPath   string
		printArchive string
		flagCfg      = Default()
	)
	fs.StringVar(&configPath, "config", "", "path to config.yaml (default: <user config dir>/gterm/config.yaml)")
	fs.StringVar(&printArchive, "print-archive", "", "print the lines archived on `day` (YYYY-MM-DD) and exit")
	fs.StringVar(&flagCfg.Transport.Kind, "transport", flagCfg.Transport.Kind, "transport kind: fifo or packet")
	fs.StringVar(&flagCfg.Transport.ReadPath, "read-path", flagCfg.Transport.ReadPath, "FIFO the process writes console frames to")
	fs.StringVar(&flagCfg.Transport.WritePath, "write-path", flagCfg.Transport.WritePath, "FIFO the process reads commands from")
	fs.StringVar(&flagCfg.Transport.SocketPath, "socket", flagCfg.Transport.SocketPath, "unixpacket socket path for the packet transport")
	fs.BoolVar(&flagCfg.Archive.Enabled, "archive", flagCfg.Archive.Enabled, "archive console lines to the database")
	fs.StringVar(&flagCfg.Archive.DBPath, "db", flagCfg.Archive.DBPath, "archive database path")
	fs.BoolVar(&flagCfg.API.Enabled, "api", flagCfg.API.Enabled, "enable the websocket relay")
	fs.IntVar(&flagCfg.API.Port, "api-port", flagCfg.API.Port, "websocket relay port (1-65535)")
	fs.BoolVar(&flagCfg.MCP.Enabled, "mcp", flagCfg.MCP.Enabled, "enable the JSON-RPC command surface")
	fs.IntVar(&flagCfg.MCP.Port, "mcp-port", flagCfg.MCP.Port, "JSON-RPC port (1-65535)")
	fs.StringVar(&flagCfg.Script.Dir, "script-dir", flagCfg.Script.Dir, "directory scripts are written to before running")
	fs.StringVar(&flagCfg.Log.Level, "log-level", flagCfg.Log.Level, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		configPath = filepath.Join(dir, "gterm", "config.yaml")
	}

	if err := ensureFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config file: %w", err)
	}
	cfg, err := LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport.Kind = flagCfg.Transport.Kind
		case "read-path":
			cfg.Transport.ReadPath = flagCfg.Transport.ReadPath
		case "write-path":
			cfg.Transport.WritePath = flagCfg.Transport.WritePath
		case "socket":
			cfg.Transport.SocketPath = flagCfg.Transport.SocketPath
		case "archive":
			cfg.Archive.Enabled = flagCfg.Archive.Enabled
		case "db":
			cfg.Archive.DBPath = flagCfg.Archive.DBPath
		case "api":
			cfg.API.Enabled = flagCfg.API.Enabled
		case "api-port":
			cfg.API.Port = flagCfg.API.Port
		case "mcp":
			cfg.MCP.Enabled = flagCfg.MCP.Enabled
		case "mcp-port":
			cfg.MCP.Port = flagCfg.MCP.Port
		case "script-dir":
			cfg.Script.Dir = flagCfg.Script.Dir
		case "log-level":
			cfg.Log.Level = flagCfg.Log.Level
		}
	})

	cfg.PrintArchive = printArchive

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path over the defaults and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.ConfigPath = path
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportFIFO:
		if c.Transport.ReadPath == "" || c.Transport.WritePath == "" {
			return fmt.Errorf("%w: fifo transport needs read_path and write_path", ErrInvalid)
		}
	case TransportPacket:
		if c.Transport.SocketPath == "" {
			return fmt.Errorf("%w: packet transport needs socket_path", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: transport kind %q must be fifo or packet", ErrInvalid, c.Transport.Kind)
	}
	for name, port := range map[string]int{"api port": c.API.Port, "mcp port": c.MCP.Port} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d must be between 1 and 65535", ErrInvalid, name, port)
		}
	}
	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("%w: retention_days cannot be negative", ErrInvalid)
	}
	if c.MCP.CollectionWindowMs <= 0 {
		return fmt.Errorf("%w: collection_window_ms must be positive", ErrInvalid)
	}
	for _, p := range c.ExclusionPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: exclusion pattern %q: %v", ErrInvalid, p, err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

func (c *Config) resolvePaths() {
	base := filepath.Dir(c.ConfigPath)
	for _, p := range []*string{&c.Archive.DBPath, &c.Log.Path, &c.Script.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, configs.DefaultConfig, 0o600)
}
