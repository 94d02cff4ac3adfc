// Package config handles environment-based bootstrap settings and the YAML
// runtime configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvConfig holds the bootstrap settings read from the environment. The
// rest of the configuration lives in the YAML file it points at.
type EnvConfig struct {
	// ConfigFile is the YAML runtime configuration path.
	ConfigFile string
	// StateDir holds the SQLite database when no PostgreSQL server is
	// configured.
	StateDir string
	// LogSNMP enables SNMP request tracing.
	LogSNMP bool
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.ConfigFile = envStr("QCSS3_CONFIG", "/etc/qcss3/qcss3.yaml")
	cfg.StateDir = envStr("QCSS3_STATE_DIR", "/var/lib/qcss3")
	cfg.LogSNMP = envBool("QCSS3_LOG_SNMP", false, &errs)

	if strings.TrimSpace(cfg.ConfigFile) == "" {
		errs = append(errs, "QCSS3_CONFIG must not be empty")
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		errs = append(errs, "QCSS3_STATE_DIR must not be empty")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}
