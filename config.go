package griddisco

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the static configuration of a member or coordinator, per
// spec.md section 6.
type Config struct {
	BasePath      string        `yaml:"basePath" mapstructure:"basePath"`
	ClusterName   string        `yaml:"clusterName" mapstructure:"clusterName"`
	ConnectString string        `yaml:"connectString" mapstructure:"connectString"`
	SessionTimeout time.Duration `yaml:"sessionTimeout" mapstructure:"sessionTimeout"`
	InstanceName  string        `yaml:"instanceName" mapstructure:"instanceName"`

	// Ambient operability knobs, carried regardless of spec.md's Non-goals
	// (see SPEC_FULL.md section 10).
	LogLevel    string `yaml:"logLevel" mapstructure:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr" mapstructure:"metricsAddr"`
}

// DefaultConfig returns a Config with the ambient defaults and a default
// BasePath of "/griddisco" filled in; the other domain fields (ClusterName,
// ConnectString, InstanceName) are left for the caller to set.
func DefaultConfig() *Config {
	return &Config{
		BasePath:       "/griddisco",
		SessionTimeout: 15 * time.Second,
		LogLevel:       "info",
		MetricsAddr:    "",
	}
}

// LoadConfig reads a YAML config file (with GRIDDISCO_-prefixed environment
// overrides) via viper, the config library already used by the
// ersinkoc-OpenEndpoint pack repo.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRIDDISCO")
	v.AutomaticEnv()

	cfg := DefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("griddisco: reading config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("griddisco: decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump renders the effective config as YAML, using the same struct tags
// LoadConfig's file format is keyed on, for operators diffing what a process
// actually resolved against what's on disk.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("griddisco: marshaling config: %w", err)
	}
	return out, nil
}

// Validate enforces spec.md section 6's clusterName/basePath rules by
// delegating to PathCatalog's own validator, so the two can never disagree.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConnectString) == "" {
		return fmt.Errorf("griddisco: connectString must not be empty")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("griddisco: sessionTimeout must be positive")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return fmt.Errorf("griddisco: instanceName must not be empty")
	}
	_, err := NewPathCatalog(c.BasePath, c.ClusterName)
	return err
}
