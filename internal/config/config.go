package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"revline/internal/domain"
)

// Config models revline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" validate:"required"`
	} `yaml:"project"`
	Logging    Logging    `yaml:"logging"`
	Events     Events     `yaml:"events"`
	Rejections Rejections `yaml:"rejections"`
	Routing    Routing    `yaml:"routing"`
	Plans      Plans      `yaml:"plans"`
	Areas      Areas      `yaml:"areas"`
	Workflows  Workflows  `yaml:"workflows"`
	Server     Server     `yaml:"server"`
}

type Logging struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=text json"`
	Output     string `yaml:"output" validate:"omitempty,oneof=stderr stdout file"`
	File       string `yaml:"file" validate:"required_if=Output file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

type Events struct {
	// Dir overrides .revline/events.
	Dir string `yaml:"dir"`
}

type Rejections struct {
	EscalationThreshold int `yaml:"escalation_threshold" validate:"gte=1"`
}

type Route struct {
	Handler          string `yaml:"handler" validate:"required"`
	MaxRetries       int    `yaml:"max_retries" validate:"gte=1"`
	EscalationTarget string `yaml:"escalation_target" validate:"required"`
}

type Routing struct {
	Routes   map[string]Route `yaml:"routes" validate:"dive"`
	Fallback Route            `yaml:"fallback"`
}

type Plans struct {
	ConflictRetries int         `yaml:"conflict_retries" validate:"gte=0"`
	Goal            domain.Goal `yaml:"goal"`
}

type Areas struct {
	MaxAreas    int `yaml:"max_areas" validate:"gte=1"`
	MinSeverity int `yaml:"min_severity" validate:"gte=0,lte=10"`
	MaxCycles   int `yaml:"max_cycles" validate:"gte=1"`
}

type Workflows struct {
	// Dir holds extra workflow definitions, relative to the workspace.
	Dir string `yaml:"dir"`
}

type Server struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

var validate = validator.New()

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with rvl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); errors.Is(statErr, os.ErrNotExist) {
		return Default(filepath.Base(absOr(workspace))), nil
	}
	return nil, err
}

// Validate checks struct tags, then the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range c.Routing.Routes {
		if !knownRejectionType(name) {
			return fmt.Errorf("config.routing.routes: unknown rejection type %s", name)
		}
	}
	g := c.Plans.Goal
	if g.MaxRuns < 1 || g.MaxCycles < 1 {
		return fmt.Errorf("config.plans.goal: max_runs and max_cycles must be >= 1")
	}
	if g.MetricThreshold <= 0 || g.MetricThreshold > 10 {
		return fmt.Errorf("config.plans.goal.metric_threshold must be in (0,10]")
	}
	return nil
}

func knownRejectionType(name string) bool {
	for _, t := range domain.RejectionTypes {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "revline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates the result.
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

// EventsDir resolves the event log directory for a workspace.
func (c *Config) EventsDir(workspace string) string {
	if c.Events.Dir == "" {
		return filepath.Join(workspace, ".revline", "events")
	}
	if filepath.IsAbs(c.Events.Dir) {
		return c.Events.Dir
	}
	return filepath.Join(workspace, c.Events.Dir)
}

// WorkflowsDir resolves the directory of extra workflow definitions.
func (c *Config) WorkflowsDir(workspace string) string {
	if c.Workflows.Dir == "" || filepath.IsAbs(c.Workflows.Dir) {
		return c.Workflows.Dir
	}
	return filepath.Join(workspace, c.Workflows.Dir)
}

func absOr(p string) string {
	if p == "" {
		p = "."
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

const defaultTemplate = `project:
  id: %s

logging:
  level: info
  format: text
  output: stderr
  file: .revline/logs/revline.log
  max_size_mb: 20
  max_backups: 5
  max_age_days: 28
  compress: true

events:
  dir: ""

rejections:
  escalation_threshold: 3

routing:
  routes:
    style:
      handler: style-editor
      max_retries: 3
      escalation_target: senior-editor
    mechanics:
      handler: mechanics-reviewer
      max_retries: 3
      escalation_target: human-reviewer
    clarity:
      handler: clarity-editor
      max_retries: 3
      escalation_target: senior-editor
    scope:
      handler: scope-reviewer
      max_retries: 3
      escalation_target: human-reviewer
  fallback:
    handler: generic-handler
    max_retries: 3
    escalation_target: human-reviewer

plans:
  conflict_retries: 3
  goal:
    metric_threshold: 8.0
    primary_dimension: overall_score
    max_cycles: 3
    max_runs: 3
    delta_threshold_for_validation: 1.0
    use_dynamic_deltas: true

areas:
  max_areas: 6
  min_severity: 0
  max_cycles: 3

workflows:
  dir: workflows

server:
  addr: 127.0.0.1:8787
`
