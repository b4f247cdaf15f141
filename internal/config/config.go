// Package config loads and validates airlock.yml: RBAC roles, upload
// scheduler tunables, the outbound Jobs-site endpoint, and optional
// notification webhooks.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models airlock.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`

	Dirs struct {
		WorkDir      string `yaml:"work_dir"`
		WorkspaceDir string `yaml:"workspace_dir"`
		RequestDir   string `yaml:"request_dir"`
	} `yaml:"dirs"`

	JobsAPI struct {
		Endpoint string `yaml:"endpoint"`
		Token    string `yaml:"token"`
	} `yaml:"jobs_api"`

	// DevUsersFile, if set, maps login names to actor IDs/roles for local
	// development when JobsAPI.Token is unset.
	DevUsersFile string `yaml:"dev_users_file,omitempty"`

	Upload UploadConfig `yaml:"upload"`

	OutputChecking struct {
		Org  string `yaml:"org"`
		Repo string `yaml:"repo"`
	} `yaml:"output_checking"`

	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`

	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// UploadConfig tunes the Upload Scheduler (spec §4.7/§6).
type UploadConfig struct {
	MaxInFlight     int `yaml:"max_in_flight"`
	MaxAttempts     int `yaml:"max_attempts"`
	AttemptTimeoutS int `yaml:"attempt_timeout_seconds"`
	JobDeadlineS    int `yaml:"job_deadline_seconds"`
}

// RBACRole names a role and the permissions it grants.
type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// WebhookConfig describes one outbound event-sink subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

const (
	defaultUploadMaxInFlight = 4
	defaultUploadMaxAttempts = 5
	defaultAttemptTimeoutS   = 30
	defaultJobDeadlineS      = 3600
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with `airlock config init`", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure and fills tunable
// defaults (§6 Configuration) when absent.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Upload.MaxInFlight == 0 {
		c.Upload.MaxInFlight = defaultUploadMaxInFlight
	}
	if c.Upload.MaxAttempts == 0 {
		c.Upload.MaxAttempts = defaultUploadMaxAttempts
	}
	if c.Upload.AttemptTimeoutS == 0 {
		c.Upload.AttemptTimeoutS = defaultAttemptTimeoutS
	}
	if c.Upload.JobDeadlineS == 0 {
		c.Upload.JobDeadlineS = defaultJobDeadlineS
	}
	if c.Upload.MaxInFlight < 1 {
		return fmt.Errorf("config.upload.max_in_flight must be >= 1")
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("config.upload.max_attempts must be >= 1")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["author"]; !ok {
			return fmt.Errorf("config.rbac.roles must include author")
		}
		if _, ok := c.RBAC.Roles["output-checker"]; !ok {
			return fmt.Errorf("config.rbac.roles must include output-checker")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
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
	return filepath.Join(workspace, "airlock.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a workspace/project id.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	_ = cfg.Validate()
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

const defaultTemplate = `project:
  id: %s

dirs:
  work_dir: .airlock
  workspace_dir: workspace
  request_dir: .airlock/requests

jobs_api:
  endpoint: ""
  token: ""

upload:
  max_in_flight: 4
  max_attempts: 5
  attempt_timeout_seconds: 30
  job_deadline_seconds: 3600

output_checking:
  org: ""
  repo: ""

rbac:
  roles:
    author:
      description: "Researcher who assembles and submits release requests"
      permissions: [request.create, request.edit, request.submit, request.withdraw, comment.create.public]
    output-checker:
      description: "Trained reviewer who votes on and releases requests"
      permissions: [request.vote, request.review.submit, request.return, request.reject, request.release, comment.create.private, comment.create.public]
    copilot:
      description: "Read-only collaborator on a workspace"
      permissions: [workspace.read]

webhooks: []
`
