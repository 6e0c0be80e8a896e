package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models atelier.yml.
type Config struct {
	Platform struct {
		ID string `yaml:"id"`
	} `yaml:"platform"`
	Reputation struct {
		GlowUpMajorWeight    float64 `yaml:"glowup_major_weight"`
		GlowUpMinorWeight    float64 `yaml:"glowup_minor_weight"`
		ImpactMajor          float64 `yaml:"impact_major"`
		ImpactMinor          float64 `yaml:"impact_minor"`
		SignalMin            float64 `yaml:"signal_min"`
		SignalMax            float64 `yaml:"signal_max"`
		SignalBaseline       float64 `yaml:"signal_baseline"`
		SignalMergeFactor    float64 `yaml:"signal_merge_factor"`
		SignalRejectFactor   float64 `yaml:"signal_reject_factor"`
		SignalLowerThreshold float64 `yaml:"signal_lower_threshold"`
	} `yaml:"reputation"`
	Budgets struct {
		PullRequestsPerDay      int `yaml:"pull_requests_per_day"`
		MajorPullRequestsPerDay int `yaml:"major_pull_requests_per_day"`
		FixRequestsPerDay       int `yaml:"fix_requests_per_day"`
		SandboxDraftsPerDay     int `yaml:"sandbox_drafts_per_day"`
	} `yaml:"budgets"`
	Commissions struct {
		MaxReward         float64 `yaml:"max_reward"`
		MaxOpenPer24H     int     `yaml:"max_open_per_24h"`
		CancelWindowHours int     `yaml:"cancel_window_hours"`
		DefaultCurrency   string  `yaml:"default_currency"`
	} `yaml:"commissions"`
	Multimodal struct {
		Weights             map[string]float64 `yaml:"weights"`
		ProviderReliability map[string]float64 `yaml:"provider_reliability"`
	} `yaml:"multimodal"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Limiter struct {
		Backend  string `yaml:"backend" enum:"sql,redis,memory"`
		RedisURL string `yaml:"redis_url"`
	} `yaml:"limiter"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an outbound event delivery target.
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
			return nil, fmt.Errorf("config %s not found; run at init or pass --config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	r := c.Reputation
	if r.GlowUpMajorWeight <= r.GlowUpMinorWeight {
		return fmt.Errorf("glowup_major_weight must exceed glowup_minor_weight")
	}
	if r.ImpactMajor <= r.ImpactMinor {
		return fmt.Errorf("impact_major must exceed impact_minor")
	}
	if r.SignalMin >= r.SignalMax {
		return fmt.Errorf("signal_min must be below signal_max")
	}
	if r.SignalBaseline < r.SignalMin || r.SignalBaseline > r.SignalMax {
		return fmt.Errorf("signal_baseline must lie within [signal_min, signal_max]")
	}
	if r.SignalMergeFactor <= 1 {
		return fmt.Errorf("signal_merge_factor must exceed 1")
	}
	if r.SignalRejectFactor <= 0 || r.SignalRejectFactor >= 1 {
		return fmt.Errorf("signal_reject_factor must lie in (0,1)")
	}
	if r.SignalLowerThreshold < r.SignalMin || r.SignalLowerThreshold > r.SignalMax {
		return fmt.Errorf("signal_lower_threshold must lie within [signal_min, signal_max]")
	}
	b := c.Budgets
	if b.PullRequestsPerDay <= 0 || b.MajorPullRequestsPerDay <= 0 || b.FixRequestsPerDay <= 0 || b.SandboxDraftsPerDay <= 0 {
		return fmt.Errorf("config.budgets ceilings must be positive")
	}
	if b.MajorPullRequestsPerDay > b.PullRequestsPerDay {
		return fmt.Errorf("major_pull_requests_per_day cannot exceed pull_requests_per_day")
	}
	cm := c.Commissions
	if cm.MaxReward <= 0 {
		return fmt.Errorf("config.commissions.max_reward must be positive")
	}
	if cm.MaxOpenPer24H <= 0 {
		return fmt.Errorf("config.commissions.max_open_per_24h must be positive")
	}
	if cm.CancelWindowHours <= 0 {
		return fmt.Errorf("config.commissions.cancel_window_hours must be positive")
	}
	for modality, w := range c.Multimodal.Weights {
		if w <= 0 {
			return fmt.Errorf("multimodal weight for %s must be positive", modality)
		}
		switch modality {
		case "visual", "narrative", "audio", "video":
		default:
			return fmt.Errorf("unknown multimodal modality %s", modality)
		}
	}
	for provider, rel := range c.Multimodal.ProviderReliability {
		if rel <= 0 || rel > 1 {
			return fmt.Errorf("provider reliability for %s must lie in (0,1]", provider)
		}
	}
	switch c.Limiter.Backend {
	case "", "sql", "memory":
	case "redis":
		if c.Limiter.RedisURL == "" {
			return fmt.Errorf("config.limiter.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.limiter.backend must be sql, redis, or memory")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "atelier.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(platformID string) string {
	return fmt.Sprintf(defaultTemplate, platformID)
}

// Default returns the default Config struct for a platform.
func Default(platformID string) *Config {
	var cfg Config
	cfg.Platform.ID = platformID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, platformID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `platform:
  id: %s

reputation:
  glowup_major_weight: 10
  glowup_minor_weight: 3
  impact_major: 5
  impact_minor: 2
  signal_min: 0
  signal_max: 100
  signal_baseline: 50
  signal_merge_factor: 1.1
  signal_reject_factor: 0.9
  signal_lower_threshold: 25

budgets:
  pull_requests_per_day: 20
  major_pull_requests_per_day: 5
  fix_requests_per_day: 50
  sandbox_drafts_per_day: 1

commissions:
  max_reward: 10000
  max_open_per_24h: 5
  cancel_window_hours: 72
  default_currency: USD

multimodal:
  weights:
    visual: 0.4
    narrative: 0.3
    audio: 0.15
    video: 0.15
  provider_reliability:
    openai: 0.9
    anthropic: 0.9
    gemini: 0.85

limiter:
  backend: sql
`
