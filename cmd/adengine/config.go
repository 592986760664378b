package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thenexusengine/tne_appylar/internal/creative"
	"github.com/thenexusengine/tne_appylar/internal/engine"
)

// HarnessConfig holds all harness configuration
type HarnessConfig struct {
	// Credentials
	AppKey   string   `yaml:"app_key"`
	AppID    string   `yaml:"app_id"`
	AdTypes  []string `yaml:"ad_types"`
	TestMode bool     `yaml:"test_mode"`

	// Ad service
	SessionURL            string `yaml:"session_url"`
	ContentURL            string `yaml:"content_url"`
	Platform              string `yaml:"platform"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`

	// Display
	Display DisplayConfig `yaml:"display"`

	// Presentation
	Banner                        string              `yaml:"banner"` // top, bottom or empty for none
	Placement                     string              `yaml:"placement"`
	InterstitialEverySeconds      int                 `yaml:"interstitial_every_seconds"`
	InterstitialCloseAfterSeconds int                 `yaml:"interstitial_close_after_seconds"`
	Parameters                    map[string][]string `yaml:"parameters"`

	// Operations
	MetricsPort           string `yaml:"metrics_port"`
	AdminKey              string `yaml:"admin_key"` // required in X-API-Key for /admin/ when set
	RedisURL              string `yaml:"redis_url"`
	StatusIntervalSeconds int    `yaml:"status_interval_seconds"`
}

// DisplayConfig describes the simulated device
type DisplayConfig struct {
	Width       float64 `yaml:"width"`
	Height      float64 `yaml:"height"`
	Density     float64 `yaml:"density"`
	Language    string  `yaml:"language"`
	Orientation string  `yaml:"orientation"`
}

// DefaultHarnessConfig returns the configuration used when nothing overrides it
func DefaultHarnessConfig() *HarnessConfig {
	return &HarnessConfig{
		AdTypes:                       []string{string(creative.Banner), string(creative.Interstitial)},
		Platform:                      "linux",
		RequestTimeoutSeconds:         10,
		Display:                       DisplayConfig{Width: 1080, Height: 1920, Density: 2, Language: "en", Orientation: string(creative.Portrait)},
		Banner:                        "bottom",
		InterstitialEverySeconds:      120,
		InterstitialCloseAfterSeconds: 5,
		MetricsPort:                   "9090",
		StatusIntervalSeconds:         60,
	}
}

// ParseConfig builds the configuration from defaults, an optional YAML file,
// environment variables and finally explicitly set flags, in that order.
func ParseConfig(args []string) (*HarnessConfig, error) {
	fs := flag.NewFlagSet("adengine", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("ADENGINE_CONFIG"), "YAML configuration file")
	appKey := fs.String("app-key", "", "Appylar app key")
	appID := fs.String("app-id", "", "Appylar app id")
	adTypes := fs.String("ad-types", "", "Comma separated ad types (banner,interstitial)")
	testMode := fs.Bool("test-mode", false, "Request test creatives")
	banner := fs.String("banner", "", "Banner position: top, bottom or none")
	placement := fs.String("placement", "", "Placement label substituted into creatives")
	metricsPort := fs.String("metrics-port", "", "Port for /metrics, /health and /status")
	redisURL := fs.String("redis-url", "", "Redis URL for buffer persistence")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultHarnessConfig()
	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "app-key":
			cfg.AppKey = *appKey
		case "app-id":
			cfg.AppID = *appID
		case "ad-types":
			cfg.AdTypes = splitList(*adTypes)
		case "test-mode":
			cfg.TestMode = *testMode
		case "banner":
			cfg.Banner = *banner
		case "placement":
			cfg.Placement = *placement
		case "metrics-port":
			cfg.MetricsPort = *metricsPort
		case "redis-url":
			cfg.RedisURL = *redisURL
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *HarnessConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *HarnessConfig) applyEnv() {
	c.AppKey = getEnvOrDefault("APPYLAR_APP_KEY", c.AppKey)
	c.AppID = getEnvOrDefault("APPYLAR_APP_ID", c.AppID)
	if types := os.Getenv("APPYLAR_AD_TYPES"); types != "" {
		c.AdTypes = splitList(types)
	}
	c.TestMode = getEnvBoolOrDefault("APPYLAR_TEST_MODE", c.TestMode)
	c.SessionURL = getEnvOrDefault("APPYLAR_SESSION_URL", c.SessionURL)
	c.ContentURL = getEnvOrDefault("APPYLAR_CONTENT_URL", c.ContentURL)
	c.Platform = getEnvOrDefault("APPYLAR_PLATFORM", c.Platform)
	c.RequestTimeoutSeconds = getEnvIntOrDefault("APPYLAR_REQUEST_TIMEOUT_SECONDS", c.RequestTimeoutSeconds)
	c.Banner = getEnvOrDefault("ADENGINE_BANNER", c.Banner)
	c.Placement = getEnvOrDefault("ADENGINE_PLACEMENT", c.Placement)
	c.InterstitialEverySeconds = getEnvIntOrDefault("ADENGINE_INTERSTITIAL_EVERY_SECONDS", c.InterstitialEverySeconds)
	c.MetricsPort = getEnvOrDefault("ADENGINE_METRICS_PORT", c.MetricsPort)
	c.AdminKey = getEnvOrDefault("ADENGINE_ADMIN_KEY", c.AdminKey)
	c.RedisURL = getEnvOrDefault("REDIS_URL", c.RedisURL)
	c.StatusIntervalSeconds = getEnvIntOrDefault("ADENGINE_STATUS_INTERVAL_SECONDS", c.StatusIntervalSeconds)
}

// Validate checks the values the harness cannot run without. Credentials are
// left to the engine, which reports them through its init listener.
func (c *HarnessConfig) Validate() error {
	var errs []error
	if c.Banner != "" && c.Banner != "none" {
		if _, err := engine.ParsePosition(c.Banner); err != nil {
			errs = append(errs, err)
		}
	}
	if o := creative.Orientation(c.Display.Orientation); !o.Valid() {
		errs = append(errs, fmt.Errorf("unknown display orientation %q", c.Display.Orientation))
	}
	if c.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("request_timeout_seconds must be positive"))
	}
	if c.MetricsPort == "" {
		errs = append(errs, errors.New("metrics_port is required"))
	}
	return errors.Join(errs...)
}

// ToEngineConfig converts HarnessConfig to engine.Config
func (c *HarnessConfig) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if c.SessionURL != "" {
		cfg.SessionURL = c.SessionURL
	}
	if c.ContentURL != "" {
		cfg.ContentURL = c.ContentURL
	}
	cfg.Platform = c.Platform
	cfg.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second
	return cfg
}

// EngineAdTypes returns the configured ad types
func (c *HarnessConfig) EngineAdTypes() []creative.AdType {
	types := make([]creative.AdType, 0, len(c.AdTypes))
	for _, t := range c.AdTypes {
		types = append(types, creative.AdType(t))
	}
	return types
}

// BannerPosition returns the configured banner position, if any
func (c *HarnessConfig) BannerPosition() (engine.Position, bool) {
	pos, err := engine.ParsePosition(c.Banner)
	return pos, err == nil
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable as bool or a default
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvIntOrDefault returns the environment variable as int or a default
func getEnvIntOrDefault(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
