package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Community holds the SNMP communities of one device. In YAML a device maps
// either to a plain read-only community or to a [read-only, read-write]
// pair.
type Community struct {
	RO string
	RW string
}

// UnmarshalYAML accepts both forms.
func (c *Community) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var ro string
		if err := value.Decode(&ro); err != nil {
			return err
		}
		c.RO = ro
		return nil
	case yaml.SequenceNode:
		var pair []string
		if err := value.Decode(&pair); err != nil {
			return err
		}
		if len(pair) < 1 || len(pair) > 2 {
			return fmt.Errorf("community must be a string or a [ro, rw] pair, got %d entries", len(pair))
		}
		c.RO = pair[0]
		if len(pair) == 2 {
			c.RW = pair[1]
		}
		return nil
	default:
		return fmt.Errorf("community must be a string or a [ro, rw] pair")
	}
}

// DatabaseConfig selects the inventory database. When disabled, or when no
// host is given, a local SQLite file is used instead of PostgreSQL.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DSN renders the PostgreSQL connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.Username, d.Password, d.Host, d.Port, d.Database)
}

// CollectorConfig drives the SNMP poller.
type CollectorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Bulk enables SNMPv2c GETBULK walks on devices that accept them.
	Bulk bool `yaml:"bulk"`
	// Expire is the age in days after which an unrefreshed device is
	// closed.
	Expire int `yaml:"expire"`
	// LB maps device names to their SNMP communities.
	LB map[string]Community `yaml:"lb"`
}

// WebConfig drives the inventory API server.
type WebConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interface string `yaml:"interface"`
	Port      int    `yaml:"port"`
}

// MetaWebConfig drives the federation server.
type MetaWebConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Interface string   `yaml:"interface"`
	Port      int      `yaml:"port"`
	Proxies   []string `yaml:"proxy"`
	// Timeout bounds each backend request, in seconds.
	Timeout int `yaml:"timeout"`
	// Parallel caps concurrent backend requests.
	Parallel int `yaml:"parallel"`
	// Expire is the fleet map lifetime, in seconds.
	Expire int `yaml:"expire"`
}

// Runtime is the YAML configuration file.
type Runtime struct {
	Database  DatabaseConfig  `yaml:"database"`
	Collector CollectorConfig `yaml:"collector"`
	Web       WebConfig       `yaml:"web"`
	MetaWeb   MetaWebConfig   `yaml:"metaweb"`
}

// NewDefaultRuntime returns a Runtime populated with the defaults: local
// SQLite storage, collector and web enabled, federation disabled.
func NewDefaultRuntime() *Runtime {
	return &Runtime{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "qcss3",
			Username: "qcss3",
		},
		Collector: CollectorConfig{
			Enabled: true,
			Bulk:    true,
			Expire:  1,
		},
		Web: WebConfig{
			Enabled:   true,
			Interface: "127.0.0.1",
			Port:      8089,
		},
		MetaWeb: MetaWebConfig{
			Interface: "127.0.0.1",
			Port:      8090,
			Timeout:   2,
			Parallel:  10,
			Expire:    30,
		},
	}
}

// LoadRuntime reads and validates the YAML configuration file. Missing keys
// keep their defaults; a missing file is an error.
func LoadRuntime(path string) (*Runtime, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return ParseRuntime(raw)
}

// ParseRuntime decodes and validates a YAML configuration document.
func ParseRuntime(raw []byte) (*Runtime, error) {
	cfg := NewDefaultRuntime()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var errs []string

	if cfg.Web.Port < 1 || cfg.Web.Port > 65535 {
		errs = append(errs, fmt.Sprintf("web.port: port must be 1-65535, got %d", cfg.Web.Port))
	}
	if cfg.MetaWeb.Port < 1 || cfg.MetaWeb.Port > 65535 {
		errs = append(errs, fmt.Sprintf("metaweb.port: port must be 1-65535, got %d", cfg.MetaWeb.Port))
	}
	if cfg.Database.Enabled && (cfg.Database.Port < 1 || cfg.Database.Port > 65535) {
		errs = append(errs, fmt.Sprintf("database.port: port must be 1-65535, got %d", cfg.Database.Port))
	}
	if cfg.Collector.Expire <= 0 {
		errs = append(errs, "collector.expire: must be positive")
	}
	if cfg.MetaWeb.Timeout <= 0 {
		errs = append(errs, "metaweb.timeout: must be positive")
	}
	if cfg.MetaWeb.Parallel <= 0 {
		errs = append(errs, "metaweb.parallel: must be positive")
	}
	if cfg.MetaWeb.Expire <= 0 {
		errs = append(errs, "metaweb.expire: must be positive")
	}
	if cfg.Collector.Enabled && len(cfg.Collector.LB) == 0 {
		errs = append(errs, "collector.lb: collector is enabled but no device is configured")
	}
	for name, community := range cfg.Collector.LB {
		if community.RO == "" {
			errs = append(errs, fmt.Sprintf("collector.lb.%s: read-only community must not be empty", name))
		}
	}
	if cfg.MetaWeb.Enabled && len(cfg.MetaWeb.Proxies) == 0 {
		errs = append(errs, "metaweb.proxy: federation is enabled but no backend is configured")
	}
	for _, proxy := range cfg.MetaWeb.Proxies {
		if !strings.HasPrefix(proxy, "http://") && !strings.HasPrefix(proxy, "https://") {
			errs = append(errs, fmt.Sprintf("metaweb.proxy: %q is not an HTTP URL", proxy))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}
