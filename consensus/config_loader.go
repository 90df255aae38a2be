package consensus

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes one annotation source feeding the service
type SourceConfig struct {
	Name   string `yaml:"name" json:"name"`
	Topic  string `yaml:"topic" json:"topic"`
	Color  string `yaml:"color,omitempty" json:"color,omitempty"`   // Optional hex color for rendered overlays
	ApiURL string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // Optional API URL for polling annotations
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full service configuration file
type Config struct {
	MQTT    MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Sources []SourceConfig `yaml:"sources" json:"sources"`
	Merge   Settings       `yaml:"merge" json:"merge"`
}

// GetSourceByName returns the source config for the given name
func (c *Config) GetSourceByName(name string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i]
		}
	}
	return nil
}

// GetSourceByTopic returns the source name for a given topic
func (c *Config) GetSourceByTopic(topic string) (string, bool) {
	for _, sc := range c.Sources {
		if sc.Topic == topic {
			return sc.Name, true
		}
	}
	return "", false
}

// SourceNames returns the configured source names in declaration order
func (c *Config) SourceNames() []string {
	names := make([]string, len(c.Sources))
	for i, sc := range c.Sources {
		names[i] = sc.Name
	}
	return names
}

// LoadConfig loads the unified configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Config{Merge: DefaultSettings()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Validate required fields
	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if len(config.Sources) == 0 {
		return nil, fmt.Errorf("at least one source must be defined")
	}

	// Validate source configs
	seen := make(map[string]bool, len(config.Sources))
	for i, sc := range config.Sources {
		if sc.Name == "" {
			return nil, fmt.Errorf("source[%d].name is required", i)
		}
		if sc.Topic == "" {
			return nil, fmt.Errorf("source[%d].topic is required for %s", i, sc.Name)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("source[%d]: duplicate name %q", i, sc.Name)
		}
		seen[sc.Name] = true
	}

	if err := config.Merge.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
