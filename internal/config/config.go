package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "grantflow.yml"

// Config models grantflow.yml.
type Config struct {
	Institution struct {
		Name      string `yaml:"name"`
		ServerURL string `yaml:"server_url"`
	} `yaml:"institution"`
	Workflow struct {
		StandingRoles StandingRoles `yaml:"standing_roles"`
	} `yaml:"workflow"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// StandingRoles maps the institution-wide roles to person ids.
type StandingRoles struct {
	VPBusiness string `yaml:"vp_business"`
	Provost    string `yaml:"provost"`
}

// DirectoryConfig is the static directory. CacheTTL of zero means the
// default; a negative value turns caching off.
type DirectoryConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Redis       RedisConfig   `yaml:"redis"`
	People      []Person      `yaml:"people"`
	Departments []Department  `yaml:"departments"`
	AdminGroup  []string      `yaml:"admin_group"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Person struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

const (
	DepartmentFaculty = "faculty"
	DepartmentStaff   = "staff"
)

// Department describes one org unit. Dean is the division dean, Chair the
// department chair; either may be empty.
type Department struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	Division string `yaml:"division"`
	Kind     string `yaml:"kind"`
	Dean     string `yaml:"dean"`
	Chair    string `yaml:"chair"`
}

type NotificationsConfig struct {
	From          string          `yaml:"from"`
	OSPRecipients []string        `yaml:"osp_recipients"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
	Retry         RetryConfig     `yaml:"retry"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultRetryInterval = 30 * time.Second
	DefaultMaxAttempts   = 5
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with osp init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Institution.Name) == "" {
		return fmt.Errorf("config.institution.name is required")
	}
	people := make(map[string]struct{}, len(c.Directory.People))
	for i, p := range c.Directory.People {
		if p.ID == "" {
			return fmt.Errorf("config.directory.people[%d] has empty id", i)
		}
		if _, dup := people[p.ID]; dup {
			return fmt.Errorf("config.directory.people has duplicate id %s", p.ID)
		}
		people[p.ID] = struct{}{}
	}
	known := func(id string) bool {
		if len(people) == 0 {
			return true
		}
		_, ok := people[id]
		return ok
	}
	roles := c.Workflow.StandingRoles
	if roles.VPBusiness == "" {
		return fmt.Errorf("config.workflow.standing_roles.vp_business is required")
	}
	if roles.Provost == "" {
		return fmt.Errorf("config.workflow.standing_roles.provost is required")
	}
	for name, id := range map[string]string{"vp_business": roles.VPBusiness, "provost": roles.Provost} {
		if !known(id) {
			return fmt.Errorf("standing role %s references unknown person %s", name, id)
		}
	}
	codes := make(map[string]struct{}, len(c.Directory.Departments))
	for _, d := range c.Directory.Departments {
		if d.Code == "" {
			return fmt.Errorf("config.directory.departments contains empty code")
		}
		if _, dup := codes[d.Code]; dup {
			return fmt.Errorf("department %s defined twice", d.Code)
		}
		codes[d.Code] = struct{}{}
		switch d.Kind {
		case "", DepartmentFaculty, DepartmentStaff:
		default:
			return fmt.Errorf("department %s has invalid kind %q (want faculty or staff)", d.Code, d.Kind)
		}
		for _, id := range []string{d.Dean, d.Chair} {
			if id != "" && !known(id) {
				return fmt.Errorf("department %s references unknown person %s", d.Code, id)
			}
		}
	}
	if len(c.Directory.AdminGroup) == 0 {
		return fmt.Errorf("config.directory.admin_group must list at least one member")
	}
	for _, id := range c.Directory.AdminGroup {
		if id == "" {
			return fmt.Errorf("config.directory.admin_group contains empty id")
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 || hook.RatePerSecond < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d] has negative limits", i)
		}
	}
	if c.Notifications.Retry.MaxAttempts < 0 || c.Notifications.Retry.Interval < 0 {
		return fmt.Errorf("config.notifications.retry must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Directory.CacheTTL == 0 {
		c.Directory.CacheTTL = DefaultCacheTTL
	}
	if c.Directory.Redis.Prefix == "" {
		c.Directory.Redis.Prefix = "grantflow:directory:"
	}
	if c.Notifications.Retry.Interval == 0 {
		c.Notifications.Retry.Interval = DefaultRetryInterval
	}
	if c.Notifications.Retry.MaxAttempts == 0 {
		c.Notifications.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if len(c.Notifications.OSPRecipients) == 0 {
		c.Notifications.OSPRecipients = append([]string(nil), c.Directory.AdminGroup...)
	}
}

// Department looks up a department by code.
func (c *Config) Department(code string) (Department, bool) {
	for _, d := range c.Directory.Departments {
		if d.Code == code {
			return d, true
		}
	}
	return Department{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(institution string) string {
	return fmt.Sprintf(defaultTemplate, institution)
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

// Default returns the default Config struct for an institution.
func Default(institution string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(institution)))
	if err != nil {
		panic(fmt.Sprintf("default config template is invalid: %v", err))
	}
	return cfg
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
	cfg.applyDefaults()
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

const defaultTemplate = `institution:
  name: %q
  server_url: http://localhost:8080

workflow:
  standing_roles:
    vp_business: veep
    provost: provost

directory:
  cache_ttl: 5m
  redis:
    addr: ""
    prefix: "grantflow:directory:"
  admin_group: [osp-admin]
  people:
    - {id: osp-admin, name: "OSP Administrator", email: osp@example.edu}
    - {id: veep, name: "VP for Business", email: vpbusiness@example.edu}
    - {id: provost, name: "Provost", email: provost@example.edu}
    - {id: dean-sci, name: "Dean of Sciences", email: dean.sciences@example.edu}
    - {id: chair-eng, name: "English Chair", email: chair.english@example.edu}
  departments:
    - {code: BIO, name: Biology, division: sciences, kind: faculty, dean: dean-sci}
    - {code: CHEM, name: Chemistry, division: sciences, kind: faculty, dean: dean-sci}
    - {code: ENG, name: English, division: humanities, kind: faculty, chair: chair-eng}
    - {code: FAC, name: Facilities, division: operations, kind: staff}

notifications:
  from: osp@example.edu
  osp_recipients: [osp@example.edu]
  webhooks: []
  retry:
    interval: 30s
    max_attempts: 5
`
