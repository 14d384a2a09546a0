// Package config provides configuration structures and loading logic for the edge proxy.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the file and environment are read.
const (
	DefaultAdminAddress          = ":19090"
	DefaultDataAddress           = ":8090"
	DefaultProfileBaseURL        = "https://api.ninetailed.co"
	DefaultProfileEnvironment    = "main"
	DefaultContentBaseURL        = "https://cdn.contentful.com"
	DefaultContentEnvironment    = "master"
	DefaultPageContentType       = "page"
	DefaultExperienceContentType = "nt_experience"
	DefaultIncludeDepth          = 10
	DefaultCacheTTL              = 5 * time.Second
	DefaultUpstreamTimeout       = 10 * time.Second
	DefaultIPHeader              = "CF-Connecting-IP"
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerOpenTimeout    = 30 * time.Second
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds the global configuration for the edge proxy.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Origin    OriginConfig    `yaml:"origin"`
	Profile   ProfileConfig   `yaml:"profile"`
	Content   ContentConfig   `yaml:"content"`
	Cache     CacheConfig     `yaml:"cache"`
	Matching  MatchingConfig  `yaml:"matching"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress string     `yaml:"admin_address"`
	DataAddress  string     `yaml:"data_address"`
	TLS          *TLSConfig `yaml:"tls,omitempty"`
}

// OriginConfig locates the site the edge fronts.
type OriginConfig struct {
	URL string `yaml:"url"`
}

// ProfileConfig configures the profile backend client.
type ProfileConfig struct {
	BaseURL     string `yaml:"base_url"`
	ClientID    string `yaml:"client_id"`
	Environment string `yaml:"environment"`
	IPHeader    string `yaml:"ip_header"`
}

// ContentConfig configures the content repository client.
type ContentConfig struct {
	BaseURL               string        `yaml:"base_url"`
	SpaceID               string        `yaml:"space_id"`
	EnvironmentID         string        `yaml:"environment_id"`
	AccessToken           string        `yaml:"access_token"`
	PageContentType       string        `yaml:"page_content_type"`
	ExperienceContentType string        `yaml:"experience_content_type"`
	IncludeDepth          int           `yaml:"include_depth"`
	TTL                   time.Duration `yaml:"ttl"`
}

// CacheConfig selects and tunes the edge response cache.
type CacheConfig struct {
	Backend    string        `yaml:"backend"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the shared cache connection settings.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Retention time.Duration `yaml:"retention"`
}

// MatchingConfig configures audience evaluation.
type MatchingConfig struct {
	// AudiencePolicyFile is an optional Rego module deciding audience membership.
	AudiencePolicyFile string `yaml:"audience_policy_file"`
	// AudienceEntrypoint is the rule path inside the module, e.g. "edge/audience/match".
	AudienceEntrypoint string `yaml:"audience_entrypoint"`
}

// UpstreamConfig bounds calls to every upstream.
type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breakers on the profile and content APIs.
// MaxFailures of zero disables them.
type BreakerConfig struct {
	MaxFailures      int           `yaml:"max_failures"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: DefaultAdminAddress,
			DataAddress:  DefaultDataAddress,
		},
		Profile: ProfileConfig{
			BaseURL:     DefaultProfileBaseURL,
			Environment: DefaultProfileEnvironment,
			IPHeader:    DefaultIPHeader,
		},
		Content: ContentConfig{
			BaseURL:               DefaultContentBaseURL,
			EnvironmentID:         DefaultContentEnvironment,
			PageContentType:       DefaultPageContentType,
			ExperienceContentType: DefaultExperienceContentType,
			IncludeDepth:          DefaultIncludeDepth,
			TTL:                   DefaultCacheTTL,
		},
		Cache: CacheConfig{
			Backend:    CacheBackendMemory,
			DefaultTTL: DefaultCacheTTL,
			Redis: RedisConfig{
				KeyPrefix: "polis-edge:",
			},
		},
		Upstream: UpstreamConfig{
			Timeout: DefaultUpstreamTimeout,
			Breaker: BreakerConfig{
				MaxFailures:      DefaultBreakerMaxFailures,
				OpenTimeout:      DefaultBreakerOpenTimeout,
				HalfOpenRequests: 1,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse reads the file and environment without validating the result.
func Parse(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}

	setString("EDGE_ADMIN_ADDR", &cfg.Server.AdminAddress)
	setString("EDGE_DATA_ADDR", &cfg.Server.DataAddress)
	setString("EDGE_ORIGIN_URL", &cfg.Origin.URL)

	setString("EDGE_PROFILE_BASE_URL", &cfg.Profile.BaseURL)
	setString("EDGE_PROFILE_CLIENT_ID", &cfg.Profile.ClientID)
	setString("EDGE_PROFILE_ENVIRONMENT", &cfg.Profile.Environment)
	setString("EDGE_PROFILE_IP_HEADER", &cfg.Profile.IPHeader)

	setString("EDGE_CONTENT_BASE_URL", &cfg.Content.BaseURL)
	setString("EDGE_CONTENT_SPACE_ID", &cfg.Content.SpaceID)
	setString("EDGE_CONTENT_ENVIRONMENT_ID", &cfg.Content.EnvironmentID)
	setString("EDGE_CONTENT_ACCESS_TOKEN", &cfg.Content.AccessToken)
	setDuration("EDGE_CONTENT_TTL", &cfg.Content.TTL)

	setString("EDGE_CACHE_BACKEND", &cfg.Cache.Backend)
	setDuration("EDGE_CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL)
	setString("EDGE_REDIS_ADDR", &cfg.Cache.Redis.Address)
	setString("EDGE_REDIS_PASSWORD", &cfg.Cache.Redis.Password)
	if val := os.Getenv("EDGE_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Cache.Redis.DB = db
		}
	}

	setString("EDGE_AUDIENCE_POLICY_FILE", &cfg.Matching.AudiencePolicyFile)
	setString("EDGE_AUDIENCE_ENTRYPOINT", &cfg.Matching.AudienceEntrypoint)
	setDuration("EDGE_UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	if val := os.Getenv("EDGE_BREAKER_MAX_FAILURES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Upstream.Breaker.MaxFailures = n
		}
	}

	setString("EDGE_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	if val := os.Getenv("EDGE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	setString("EDGE_LOG_LEVEL", &cfg.Logging.Level)
	if val := os.Getenv("EDGE_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Origin.Validate(); err != nil {
		return fmt.Errorf("origin configuration: %w", err)
	}
	if err := c.Profile.Validate(); err != nil {
		return fmt.Errorf("profile configuration: %w", err)
	}
	if err := c.Content.Validate(); err != nil {
		return fmt.Errorf("content configuration: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = DefaultAdminAddress
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = DefaultDataAddress
	}
	if c.AdminAddress == c.DataAddress {
		return NewConfigValidationError("admin_address", c.AdminAddress, "admin and data listeners must use different addresses")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate requires an absolute origin URL.
func (c *OriginConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return NewConfigMissingError("origin.url").
			WithSuggestion("Set origin.url to the site the edge fronts, e.g. https://www.example.com")
	}
	return validateAbsoluteURL("origin.url", c.URL)
}

// Validate performs validation of profile backend configuration
func (c *ProfileConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return NewConfigMissingError("profile.client_id")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultProfileBaseURL
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = DefaultProfileEnvironment
	}
	if strings.TrimSpace(c.IPHeader) == "" {
		c.IPHeader = DefaultIPHeader
	}
	return validateAbsoluteURL("profile.base_url", c.BaseURL)
}

// Validate performs validation of content repository configuration
func (c *ContentConfig) Validate() error {
	if strings.TrimSpace(c.SpaceID) == "" {
		return NewConfigMissingError("content.space_id")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return NewConfigMissingError("content.access_token").
			WithSuggestion("Use a content delivery API token; EDGE_CONTENT_ACCESS_TOKEN keeps it out of the file")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultContentBaseURL
	}
	if strings.TrimSpace(c.EnvironmentID) == "" {
		c.EnvironmentID = DefaultContentEnvironment
	}
	if c.PageContentType == "" {
		c.PageContentType = DefaultPageContentType
	}
	if c.ExperienceContentType == "" {
		c.ExperienceContentType = DefaultExperienceContentType
	}
	if c.IncludeDepth <= 0 {
		c.IncludeDepth = DefaultIncludeDepth
	}
	if c.TTL < 0 {
		return NewConfigValidationError("content.ttl", c.TTL, "ttl cannot be negative")
	}
	return validateAbsoluteURL("content.base_url", c.BaseURL)
}

// Validate performs validation of cache configuration
func (c *CacheConfig) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = CacheBackendMemory
	}
	if c.DefaultTTL < 0 {
		return NewConfigValidationError("cache.default_ttl", c.DefaultTTL, "ttl cannot be negative")
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultCacheTTL
	}

	switch c.Backend {
	case CacheBackendMemory:
		return nil
	case CacheBackendRedis:
		if strings.TrimSpace(c.Redis.Address) == "" {
			return NewConfigMissingError("cache.redis.address")
		}
		return nil
	default:
		return NewConfigValidationError("cache.backend", c.Backend, "unsupported cache backend").
			WithSuggestion("Use memory or redis")
	}
}

// Validate performs validation of upstream configuration
func (c *UpstreamConfig) Validate() error {
	if c.Timeout < 0 {
		return NewConfigValidationError("upstream.timeout", c.Timeout, "timeout cannot be negative")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultUpstreamTimeout
	}
	if c.Breaker.MaxFailures < 0 {
		return NewConfigValidationError("upstream.breaker.max_failures", c.Breaker.MaxFailures, "cannot be negative").
			WithSuggestion("Use 0 to disable the breaker")
	}
	if c.Breaker.OpenTimeout < 0 {
		return NewConfigValidationError("upstream.breaker.open_timeout", c.Breaker.OpenTimeout, "timeout cannot be negative")
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = DefaultBreakerOpenTimeout
	}
	if c.Breaker.HalfOpenRequests <= 0 {
		c.Breaker.HalfOpenRequests = 1
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return NewConfigValidationError("logging.level", c.Level, "supported levels: debug, info, warn, error")
	}
}

func validateAbsoluteURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewConfigValidationError(field, raw, "must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewConfigValidationError(field, raw, "must use http or https")
	}
	return nil
}
