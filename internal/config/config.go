// Package config loads prospector settings from defaults, an optional
// config file, a .env file and PROSPECTOR_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "PROSPECTOR"

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Search   SearchConfig   `mapstructure:"search"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Compose  ComposeConfig  `mapstructure:"compose"`
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	// DSN is the database DSN, or the journal path for the memory driver
	// (empty keeps everything in process).
	DSN string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

type SearchConfig struct {
	BaseURL            string     `mapstructure:"base_url" validate:"required,url"`
	Login              string     `mapstructure:"login"`
	Password           string     `mapstructure:"password"`
	MaxConcurrentPolls int64      `mapstructure:"max_concurrent_polls" validate:"gte=1"`
	RequestsPerSecond  float64    `mapstructure:"requests_per_second" validate:"gte=0"`
	Poll               PollConfig `mapstructure:"poll"`
}

// PollConfig mirrors the search client's polling policy.
type PollConfig struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	Multiplier    float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxInterval   time.Duration `mapstructure:"max_interval" validate:"gtefield=Interval"`
	NotFoundDelay time.Duration `mapstructure:"not_found_delay" validate:"gte=0"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gte=1"`
	Jitter        float64       `mapstructure:"jitter" validate:"gte=0,lt=1"`
}

type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRedirects int           `mapstructure:"max_redirects" validate:"gte=0"`
	// Profile is the TLS fingerprint: chrome, firefox, safari, go or random.
	Profile           string   `mapstructure:"profile" validate:"oneof=chrome firefox safari go random"`
	ProxiesFile       string   `mapstructure:"proxies_file"`
	UserAgents        []string `mapstructure:"user_agents"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second" validate:"gte=0"`
	Jitter            float64  `mapstructure:"jitter" validate:"gte=0,lt=1"`
	MaxBodyBytes      int64    `mapstructure:"max_body_bytes" validate:"gte=0"`
	CookieJar         bool     `mapstructure:"cookie_jar"`
}

type CrawlConfig struct {
	MaxPages      int    `mapstructure:"max_pages" validate:"gte=1,lte=50"`
	Concurrency   int    `mapstructure:"concurrency" validate:"gte=1"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	UseSitemap    bool   `mapstructure:"use_sitemap"`
	UserAgent     string `mapstructure:"user_agent" validate:"required"`
}

type ComposeConfig struct {
	// Provider is template or gemini.
	Provider string `mapstructure:"provider" validate:"oneof=template gemini"`
	Subject  string `mapstructure:"subject"`
	// TemplateFile holds a text/template body; empty uses the built-in one.
	TemplateFile string       `mapstructure:"template_file"`
	Gemini       GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

type SendGridConfig struct {
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email" validate:"omitempty,email"`
	FromName  string `mapstructure:"from_name"`
	Host      string `mapstructure:"host" validate:"omitempty,url"`
}

type PipelineConfig struct {
	AutoSend          bool   `mapstructure:"auto_send"`
	Locations         []int  `mapstructure:"locations" validate:"min=1,dive,gt=0"`
	Language          string `mapstructure:"language" validate:"len=2"`
	Device            string `mapstructure:"device" validate:"oneof=desktop mobile"`
	Depth             int    `mapstructure:"depth" validate:"gte=1,lte=100"`
	Limit             int    `mapstructure:"limit" validate:"gte=1"`
	SearchConcurrency int    `mapstructure:"search_concurrency" validate:"gte=1"`
	CrawlConcurrency  int    `mapstructure:"crawl_concurrency" validate:"gte=1"`
}

type MetricsConfig struct {
	// Port serves /metrics when > 0.
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// SetDefaults registers every key so environment overrides apply to all of
// them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("search.base_url", "https://api.dataforseo.com")
	v.SetDefault("search.login", "")
	v.SetDefault("search.password", "")
	v.SetDefault("search.max_concurrent_polls", 4)
	v.SetDefault("search.requests_per_second", 2.0)
	v.SetDefault("search.poll.initial_delay", 3*time.Second)
	v.SetDefault("search.poll.interval", 2*time.Second)
	v.SetDefault("search.poll.multiplier", 2.0)
	v.SetDefault("search.poll.max_interval", 30*time.Second)
	v.SetDefault("search.poll.not_found_delay", 10*time.Second)
	v.SetDefault("search.poll.max_attempts", 20)
	v.SetDefault("search.poll.jitter", 0.1)

	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.profile", "chrome")
	v.SetDefault("fetch.proxies_file", "")
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.requests_per_second", 1.0)
	v.SetDefault("fetch.jitter", 0.3)
	v.SetDefault("fetch.max_body_bytes", 2<<20)
	v.SetDefault("fetch.cookie_jar", true)

	v.SetDefault("crawl.max_pages", 6)
	v.SetDefault("crawl.concurrency", 3)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.use_sitemap", true)
	v.SetDefault("crawl.user_agent", "*")

	v.SetDefault("compose.provider", "template")
	v.SetDefault("compose.subject", "")
	v.SetDefault("compose.template_file", "")
	v.SetDefault("compose.gemini.api_key", "")
	v.SetDefault("compose.gemini.model", "gemini-2.5-flash")
	v.SetDefault("compose.gemini.base_url", "")

	v.SetDefault("sendgrid.api_key", "")
	v.SetDefault("sendgrid.from_email", "")
	v.SetDefault("sendgrid.from_name", "")
	v.SetDefault("sendgrid.host", "")

	v.SetDefault("pipeline.auto_send", false)
	v.SetDefault("pipeline.locations", []int{2840})
	v.SetDefault("pipeline.language", "en")
	v.SetDefault("pipeline.device", "desktop")
	v.SetDefault("pipeline.depth", 10)
	v.SetDefault("pipeline.limit", 100)
	v.SetDefault("pipeline.search_concurrency", 4)
	v.SetDefault("pipeline.crawl_concurrency", 4)

	v.SetDefault("metrics.port", 0)
}

// bindCredentials lets the providers' conventional variable names stand in
// for the prefixed ones.
func bindCredentials(v *viper.Viper) {
	_ = v.BindEnv("search.login", EnvPrefix+"_SEARCH_LOGIN", "DATAFORSEO_LOGIN")
	_ = v.BindEnv("search.password", EnvPrefix+"_SEARCH_PASSWORD", "DATAFORSEO_PASSWORD")
	_ = v.BindEnv("sendgrid.api_key", EnvPrefix+"_SENDGRID_API_KEY", "SENDGRID_API_KEY")
	_ = v.BindEnv("compose.gemini.api_key", EnvPrefix+"_COMPOSE_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("storage.dsn", EnvPrefix+"_STORAGE_DSN", "DATABASE_URL")
}

// New returns a viper instance with defaults and environment binding but no
// file.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindCredentials(v)
	SetDefaults(v)
	return v
}

// Load reads path (yaml, toml or json by extension) when non-empty, loads
// .env from the working directory if present, then validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper unmarshals and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks ranges and the settings each enabled feature needs. Every
// problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: %s", key(fe), reason(fe)))
		}
	}
	if c.SendGrid.APIKey != "" && c.SendGrid.FromEmail == "" {
		errs = append(errs, errors.New("sendgrid.from_email: is required when sendgrid.api_key is set"))
	}
	return errors.Join(errs...)
}

// key turns "Config.search.poll.max_attempts" into "search.poll.max_attempts".
func key(fe validator.FieldError) string {
	_, k, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Namespace()
	}
	return k
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_unless":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "url", "email":
		return fmt.Sprintf("must be a valid %s, got %q", fe.Tag(), fe.Value())
	case "gtefield":
		return fmt.Sprintf("must not be less than %s", fe.Param())
	default:
		return fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
}
