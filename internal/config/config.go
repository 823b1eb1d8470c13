package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"intentline/internal/domain"
)

// Config models intentline.yml.
type Config struct {
	Platform struct {
		ID string `yaml:"id"`
	} `yaml:"platform"`
	Runtime struct {
		StepTimeout  string `yaml:"step_timeout"`
		SessionTTL   string `yaml:"session_ttl"`
		ExecutionTTL string `yaml:"execution_ttl"`
		SagaTTL      string `yaml:"saga_ttl"`
	} `yaml:"runtime"`
	Boundary struct {
		AllowedSources []string                `yaml:"allowed_sources"`
		Conditions     []string                `yaml:"conditions"`
		ReapInterval   string                  `yaml:"reap_interval"`
		Platform       PolicyRule              `yaml:"platform"`
		Tenants        map[string]TenantPolicy `yaml:"tenants"`
	} `yaml:"boundary"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// PolicyRule specifies either "allow all types with defaults" or an
// explicit allow-list with per-type backing store and TTL.
type PolicyRule struct {
	AllowAll     bool                 `yaml:"allow_all" json:"allow_all"`
	BackingStore string               `yaml:"backing_store" json:"backing_store"`
	TTL          string               `yaml:"ttl" json:"ttl"`
	Types        map[string]TypeGrant `yaml:"types" json:"types,omitempty"`
}

type TypeGrant struct {
	BackingStore string `yaml:"backing_store" json:"backing_store,omitempty"`
	TTL          string `yaml:"ttl" json:"ttl,omitempty"`
}

// TenantPolicy holds the tenant-wide rule plus per-solution overrides.
type TenantPolicy struct {
	Policy    *PolicyRule           `yaml:"policy"`
	Solutions map[string]PolicyRule `yaml:"solutions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	TenantID       string   `yaml:"tenant_id"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var validMaterializationTypes = map[string]bool{
	domain.MaterializeReference: true,
	domain.MaterializePartial:   true,
	domain.MaterializeDigest:    true,
	domain.MaterializeEmbedding: true,
	domain.MaterializeFull:      true,
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'il init' or pass --config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "intentline.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	if err := validateRule("boundary.platform", c.Boundary.Platform); err != nil {
		return err
	}
	if !c.Boundary.Platform.AllowAll && len(c.Boundary.Platform.Types) == 0 {
		return fmt.Errorf("config.boundary.platform must allow_all or list types")
	}
	for tenant, tp := range c.Boundary.Tenants {
		if tenant == "" {
			return fmt.Errorf("config.boundary.tenants contains empty tenant id")
		}
		if tp.Policy != nil {
			if err := validateRule("boundary.tenants."+tenant, *tp.Policy); err != nil {
				return err
			}
		}
		for solution, rule := range tp.Solutions {
			if solution == "" {
				return fmt.Errorf("tenant %s has empty solution id", tenant)
			}
			if err := validateRule(fmt.Sprintf("boundary.tenants.%s.solutions.%s", tenant, solution), rule); err != nil {
				return err
			}
		}
	}
	for _, d := range []struct{ name, val string }{
		{"runtime.step_timeout", c.Runtime.StepTimeout},
		{"runtime.session_ttl", c.Runtime.SessionTTL},
		{"runtime.execution_ttl", c.Runtime.ExecutionTTL},
		{"runtime.saga_ttl", c.Runtime.SagaTTL},
		{"boundary.reap_interval", c.Boundary.ReapInterval},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("config.%s: %w", d.name, err)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TenantID == "" {
			return fmt.Errorf("config.webhooks[%d].tenant_id is required", i)
		}
	}
	return nil
}

func validateRule(path string, rule PolicyRule) error {
	if rule.TTL != "" {
		if _, err := time.ParseDuration(rule.TTL); err != nil {
			return fmt.Errorf("config.%s.ttl: %w", path, err)
		}
	}
	for typ, grant := range rule.Types {
		if !validMaterializationTypes[typ] {
			return fmt.Errorf("config.%s has unknown materialization type %s", path, typ)
		}
		if grant.TTL != "" {
			if _, err := time.ParseDuration(grant.TTL); err != nil {
				return fmt.Errorf("config.%s.types.%s.ttl: %w", path, typ, err)
			}
		}
	}
	return nil
}

func duration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// StepTimeout is the default per-step forward-action timeout.
func (c *Config) StepTimeout() time.Duration { return duration(c.Runtime.StepTimeout, 30*time.Second) }

// SessionTTL bounds session snapshot lifetime in the state surface.
func (c *Config) SessionTTL() time.Duration { return duration(c.Runtime.SessionTTL, 720*time.Hour) }

// ExecutionTTL bounds execution snapshot lifetime.
func (c *Config) ExecutionTTL() time.Duration { return duration(c.Runtime.ExecutionTTL, 168*time.Hour) }

// SagaTTL bounds saga snapshot lifetime.
func (c *Config) SagaTTL() time.Duration { return duration(c.Runtime.SagaTTL, 168*time.Hour) }

// ReapInterval is the contract TTL reaper schedule.
func (c *Config) ReapInterval() time.Duration {
	return duration(c.Boundary.ReapInterval, time.Minute)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string { return defaultTemplate }

const defaultTemplate = `platform:
  id: intentline

runtime:
  step_timeout: 30s
  session_ttl: 720h
  execution_ttl: 168h
  saga_ttl: 168h

boundary:
  allowed_sources: [file_upload, url, object_store]
  conditions: [read_only]
  reap_interval: 1m

  # Platform default: anything goes, kept for 30 days in the artifact store.
  platform:
    allow_all: true
    backing_store: artifacts
    ttl: 720h

  # Tenant and solution policies override the platform default, most
  # specific first: solution -> tenant -> platform.
  tenants: {}
`
