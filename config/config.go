// Package config loads meetup-messager settings from defaults, an optional YAML file,
// an optional .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no --config flag is given. It may be absent.
const DefaultFile = "meetup-messager.yaml"

// EnvPrefix prefixes every environment variable, e.g. MEETUP_GROUPS_LIST.
// The unprefixed name (GROUPS_LIST) is also accepted.
const EnvPrefix = "MEETUP"

// Config holds every setting of a run.
type Config struct {
	Email    string `yaml:"email" envconfig:"EMAIL"`
	Password string `yaml:"password" envconfig:"PASSWORD"`

	OwnGroup string   `yaml:"own_group" envconfig:"MY_GROUP_URL_NAME"`
	Groups   []string `yaml:"groups" envconfig:"GROUPS_LIST"` // Target groups, messaged in order

	Templates []string `yaml:"templates"`
	// Template is a single template from the environment. Literal \n becomes a newline.
	Template string `yaml:"-" envconfig:"MESSAGE_TEMPLATE"`

	MessagesPerMinute int           `yaml:"messages_per_minute" envconfig:"MESSAGES_PER_MINUTE"`
	ErrorMargin       time.Duration `yaml:"error_margin" envconfig:"ERROR_MARGIN"`
	HumanDelayMin     time.Duration `yaml:"human_delay_min" envconfig:"HUMAN_DELAY_MIN"`
	HumanDelayMax     time.Duration `yaml:"human_delay_max" envconfig:"HUMAN_DELAY_MAX"`

	PageSize             int           `yaml:"page_size" envconfig:"PAGE_SIZE"`
	InterPagePause       time.Duration `yaml:"inter_page_pause" envconfig:"INTER_PAGE_PAUSE"`
	FirstPage            int           `yaml:"first_page" envconfig:"FIRST_PAGE"`
	APIRequestsPerSecond float64       `yaml:"api_requests_per_second" envconfig:"API_REQUESTS_PER_SECOND"`
	IncludeOrganizers    bool          `yaml:"include_organizers" envconfig:"INCLUDE_ORGANIZERS"`
	MembersBaseURL       string        `yaml:"members_base_url" envconfig:"MEMBERS_BASE_URL"` // Empty uses the public site

	Browser BrowserConfig `yaml:"browser" envconfig:"BROWSER"`
	Storage StorageConfig `yaml:"storage" envconfig:"STORAGE"`
	Report  ReportConfig  `yaml:"report" envconfig:"REPORT"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"` // debug|info|warn|error
	HTTPPort string `yaml:"http_port" envconfig:"PORT"`
}

// BrowserConfig controls the Chrome session.
type BrowserConfig struct {
	Headless       bool          `yaml:"headless" envconfig:"HEADLESS"`
	UserDataDir    string        `yaml:"user_data_dir" envconfig:"USER_DATA_DIR"`
	LoginTimeout   time.Duration `yaml:"login_timeout" envconfig:"LOGIN_TIMEOUT"`
	ElementTimeout time.Duration `yaml:"element_timeout" envconfig:"ELEMENT_TIMEOUT"`
}

// StorageConfig selects the progress backend. Bucket wins over LocalPath when set.
type StorageConfig struct {
	LocalPath string `yaml:"local_path" envconfig:"LOCAL_PATH"`
	Bucket    string `yaml:"bucket" envconfig:"BUCKET"`
}

// ReportConfig controls the optional run report email.
type ReportConfig struct {
	To                    string `yaml:"to" envconfig:"TO"`
	Provider              string `yaml:"provider" envconfig:"PROVIDER"` // mock|brevo|gmail
	From                  string `yaml:"from" envconfig:"FROM"`
	FromName              string `yaml:"from_name" envconfig:"FROM_NAME"`
	BrevoAPIKey           string `yaml:"brevo_api_key" envconfig:"BREVO_API_KEY"`
	GoogleCredentialsJSON string `yaml:"google_credentials_json" envconfig:"GOOGLE_CREDENTIALS_JSON"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MessagesPerMinute:    20,
		ErrorMargin:          time.Second,
		HumanDelayMin:        time.Second,
		HumanDelayMax:        2 * time.Second,
		PageSize:             30,
		InterPagePause:       100 * time.Millisecond,
		FirstPage:            1,
		APIRequestsPerSecond: 2,
		Browser: BrowserConfig{
			LoginTimeout:   10 * time.Second,
			ElementTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{LocalPath: "./data"},
		Report: ReportConfig{
			Provider: "mock",
			FromName: "meetup-messager",
		},
		LogLevel: "info",
		HTTPPort: "8080",
	}
}

// Load builds a Config. path names a YAML file; an empty path reads DefaultFile if it
// exists. A .env file in the working directory is loaded if present. Environment
// variables override everything else.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := loadFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			slog.Debug("No config file, using defaults and environment", "path", path)
		} else {
			return nil, err
		}
	}

	// Existing environment variables take precedence over .env values.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	cfg.normalize()
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Template != "" {
		c.Templates = []string{UnescapeTemplate(c.Template)}
	}

	groups := c.Groups[:0]
	for _, g := range c.Groups {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	c.Groups = groups
	c.OwnGroup = strings.TrimSpace(c.OwnGroup)
}

// UnescapeTemplate drops real line breaks and turns literal \n sequences into newlines.
func UnescapeTemplate(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	return strings.ReplaceAll(s, `\n`, "\n")
}

// ValidateOwnGroup checks the settings needed by commands that only read the own group.
func (c *Config) ValidateOwnGroup() error {
	if c.OwnGroup == "" {
		return errors.New("own group is required (MY_GROUP_URL_NAME)")
	}
	return nil
}

// Validate checks the settings needed for a full run.
func (c *Config) Validate() error {
	var errs []error
	if c.Email == "" || c.Password == "" {
		errs = append(errs, errors.New("email and password are required"))
	}
	if err := c.ValidateOwnGroup(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Groups) == 0 {
		errs = append(errs, errors.New("at least one target group is required (GROUPS_LIST)"))
	}
	if len(c.Templates) == 0 {
		errs = append(errs, errors.New("at least one message template is required (MESSAGE_TEMPLATE)"))
	}
	for i, t := range c.Templates {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Errorf("template %d is empty", i))
		}
	}
	if c.MessagesPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("messages_per_minute must be positive, got %d", c.MessagesPerMinute))
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page_size must be positive, got %d", c.PageSize))
	}
	if c.FirstPage < 0 {
		errs = append(errs, fmt.Errorf("first_page must not be negative, got %d", c.FirstPage))
	}
	if c.HumanDelayMax < c.HumanDelayMin {
		errs = append(errs, errors.New("human_delay_max must not be below human_delay_min"))
	}
	switch c.Report.Provider {
	case "", "mock", "brevo", "gmail":
	default:
		errs = append(errs, fmt.Errorf("unknown report provider %q", c.Report.Provider))
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
