package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models requestor.yml.
type Config struct {
	Identity struct {
		Key    string `yaml:"key"`
		NodeID string `yaml:"node_id"`
	} `yaml:"identity"`
	API struct {
		AdminURL    string `yaml:"admin_url"`
		MarketURL   string `yaml:"market_url"`
		ActivityURL string `yaml:"activity_url"`
		AppKey      string `yaml:"app_key"`
	} `yaml:"api"`
	Demand struct {
		TaskPackage   string  `yaml:"task_package"`
		Runtime       string  `yaml:"runtime"`
		Subnet        string  `yaml:"subnet"`
		MinMemGib     float64 `yaml:"min_mem_gib"`
		MinStorageGib float64 `yaml:"min_storage_gib"`
		MaxPrice      float64 `yaml:"max_price"`
		ExpiryMinutes int     `yaml:"expiry_minutes"`
	} `yaml:"demand"`
	Negotiation struct {
		DeadlineSeconds    int `yaml:"deadline_seconds"`
		PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
		MaxEvents          int `yaml:"max_events"`
	} `yaml:"negotiation"`
	Activity struct {
		Commands   []Command `yaml:"commands"`
		Transition struct {
			MaxAttempts      int `yaml:"max_attempts"`
			InitialBackoffMS int `yaml:"initial_backoff_ms"`
			MaxBackoffMS     int `yaml:"max_backoff_ms"`
		} `yaml:"transition"`
		ExecTimeoutSeconds int `yaml:"exec_timeout_seconds"`
	} `yaml:"activity"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Command is one exe-script step sent to the provider.
type Command struct {
	Cmd  string   `yaml:"cmd"`
	Args []string `yaml:"args"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with rq config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Demand.TaskPackage == "" {
		return fmt.Errorf("config.demand.task_package is required")
	}
	if c.Demand.MaxPrice <= 0 {
		return fmt.Errorf("config.demand.max_price must be positive")
	}
	if c.Demand.MinMemGib < 0 || c.Demand.MinStorageGib < 0 {
		return fmt.Errorf("config.demand resource minimums must not be negative")
	}
	if c.Demand.ExpiryMinutes <= 0 {
		return fmt.Errorf("config.demand.expiry_minutes must be positive")
	}
	if c.Negotiation.DeadlineSeconds <= 0 {
		return fmt.Errorf("config.negotiation.deadline_seconds must be positive")
	}
	if c.Negotiation.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("config.negotiation.poll_timeout_seconds must be positive")
	}
	if c.Negotiation.PollTimeoutSeconds > c.Negotiation.DeadlineSeconds {
		return fmt.Errorf("config.negotiation.poll_timeout_seconds exceeds deadline")
	}
	if len(c.Activity.Commands) == 0 {
		return fmt.Errorf("config.activity.commands is required")
	}
	for i, cmd := range c.Activity.Commands {
		if cmd.Cmd == "" {
			return fmt.Errorf("config.activity.commands[%d] has empty cmd", i)
		}
	}
	if c.Activity.Transition.MaxAttempts <= 0 {
		return fmt.Errorf("config.activity.transition.max_attempts must be positive")
	}
	if c.Activity.Transition.InitialBackoffMS <= 0 {
		return fmt.Errorf("config.activity.transition.initial_backoff_ms must be positive")
	}
	if c.Activity.Transition.MaxBackoffMS < c.Activity.Transition.InitialBackoffMS {
		return fmt.Errorf("config.activity.transition.max_backoff_ms below initial")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "requestor.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `identity:
  key: ""
  node_id: ""

api:
  admin_url: http://127.0.0.1:5001
  market_url: http://127.0.0.1:5001
  activity_url: http://127.0.0.1:5001
  app_key: ""

demand:
  task_package: hash:sha3:deadbeef:http://127.0.0.1:8000/package.zip
  runtime: wasmtime
  subnet: devnet
  min_mem_gib: 0.5
  min_storage_gib: 1.0
  max_price: 10.0
  expiry_minutes: 30

negotiation:
  deadline_seconds: 120
  poll_timeout_seconds: 5
  max_events: 10

activity:
  commands:
    - cmd: deploy
    - cmd: start
    - cmd: run
      args: [main]
    - cmd: stop
  transition:
    max_attempts: 10
    initial_backoff_ms: 250
    max_backoff_ms: 4000
  exec_timeout_seconds: 300
`
