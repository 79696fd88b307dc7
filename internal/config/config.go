package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"inspectline/internal/checklist"
	"inspectline/internal/domain"
	"inspectline/internal/inspection"
	"inspectline/internal/risk"
)

// Config models inspectline.yml.
type Config struct {
	Site struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"site" json:"site"`
	Policies struct {
		Inspection InspectionPolicy `yaml:"inspection" json:"inspection"`
		Risk       risk.Matrix      `yaml:"risk" json:"risk"`
	} `yaml:"policies" json:"policies"`
	Checklists []domain.Checklist `yaml:"checklists,omitempty" json:"checklists,omitempty"`
	FollowUp   struct {
		Schedule string `yaml:"schedule" json:"schedule"`
	} `yaml:"followup" json:"followup"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type InspectionPolicy struct {
	MaxNonCriticalFailures int             `yaml:"max_non_critical_failures" json:"max_non_critical_failures"`
	PassBand               int             `yaml:"pass_band" json:"pass_band"`
	ConditionalBand        int             `yaml:"conditional_band" json:"conditional_band"`
	DefaultFindingSeverity domain.Severity `yaml:"default_finding_severity" json:"default_finding_severity"`
	UrgentFollowUpDays     int             `yaml:"urgent_follow_up_days" json:"urgent_follow_up_days"`
	FollowUpDays           int             `yaml:"follow_up_days" json:"follow_up_days"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// InspectionPolicy returns the verdict/finding policy in engine form.
func (c *Config) InspectionPolicy() inspection.Policy {
	p := c.Policies.Inspection
	return inspection.Policy{
		MaxNonCriticalFailures: p.MaxNonCriticalFailures,
		PassBand:               p.PassBand,
		ConditionalBand:        p.ConditionalBand,
		DefaultFindingSeverity: p.DefaultFindingSeverity,
		UrgentFollowUpDays:     p.UrgentFollowUpDays,
		FollowUpDays:           p.FollowUpDays,
	}
}

// Catalog merges built-in checklists with the ones declared in the config.
func (c *Config) Catalog() (checklist.Catalog, error) {
	return checklist.LoadCatalog(c.Checklists)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Site.ID) == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if err := c.InspectionPolicy().Validate(); err != nil {
		return fmt.Errorf("config.policies.inspection: %w", err)
	}
	if err := c.Policies.Risk.Validate(); err != nil {
		return fmt.Errorf("config.policies.risk: %w", err)
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config.checklists: %w", err)
	}
	if s := strings.TrimSpace(c.FollowUp.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("config.followup.schedule: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has an empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "inspectline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with il config init", path)
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

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(siteID))).Decode(&cfg)
	cfg.Site.ID = siteID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `site:
  id: %s
  name: ""

policies:
  inspection:
    max_non_critical_failures: 2
    pass_band: 90
    conditional_band: 70
    default_finding_severity: high
    urgent_follow_up_days: 1
    follow_up_days: 7

  risk:
    scale:
      min: 1
      max: 5
    buckets:
      - max_score: 4
        level: low
      - max_score: 10
        level: medium
      - max_score: 15
        level: high
      - max_score: 25
        level: critical

followup:
  schedule: "0 7 * * *"
`
