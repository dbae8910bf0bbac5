// Package config loads and validates croc configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the base name (without extension) of the config file searched
// for in the working directory.
const FileName = "croc"

// Config captures all settings for one prerender run. Values the caller does
// not supply fall back to the documented defaults.
type Config struct {
	BasePath        string         `mapstructure:"basePath"`
	Port            int            `mapstructure:"port"`
	WaitTime        int            `mapstructure:"waitTime"`
	Viewport        ViewportConfig `mapstructure:"viewport"`
	IncludeExternal bool           `mapstructure:"includeExternal"`
	Routes          []string       `mapstructure:"routes"`
	AssetPrefix     string         `mapstructure:"assetPrefix"`
	Concurrency     int            `mapstructure:"concurrency"`
	RouteTimeout    time.Duration  `mapstructure:"routeTimeout"`
	ReadySelector   string         `mapstructure:"readySelector"`
	PagesPerSecond  float64        `mapstructure:"pagesPerSecond"`
	DryRun          bool           `mapstructure:"dryRun"`

	Bundler   BundlerConfig   `mapstructure:"bundler"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ViewportConfig is the browser viewport applied to every page.
type ViewportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// BundlerConfig describes how the external bundler is invoked.
type BundlerConfig struct {
	Entry       string        `mapstructure:"entry"`
	OutDir      string        `mapstructure:"outDir"`
	Dir         string        `mapstructure:"dir"`
	DevCommand  []string      `mapstructure:"devCommand"`
	ProdCommand []string      `mapstructure:"prodCommand"`
	Watch       bool          `mapstructure:"watch"`
	QuietPeriod time.Duration `mapstructure:"quietPeriod"`
	ModeEnv     string        `mapstructure:"modeEnv"`
}

// BrowserConfig controls the headless Chrome launch.
type BrowserConfig struct {
	ExecPath  string `mapstructure:"execPath"`
	Headless  bool   `mapstructure:"headless"`
	NoSandbox bool   `mapstructure:"noSandbox"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig enables the Prometheus endpoint when Port is non-zero.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"serviceName"`
}

// StorageConfig sets the optional GCS mirror for artifacts.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcsBucket"`
	GCSPrefix string `mapstructure:"gcsPrefix"`
}

// DatabaseConfig controls the optional snapshot manifest table.
type DatabaseConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for the run-completed notification.
type PubSubConfig struct {
	ProjectID string `mapstructure:"projectId"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from defaults, the config file and the environment.
// An empty path searches the working directory for croc.{yaml,json,toml};
// a missing file there is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CROC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("resolve working directory: %w", err)
	}
	setDefaults(v, cwd)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(cwd)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Bundler.OutDir == "" {
		cfg.Bundler.OutDir = cfg.BasePath
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cwd string) {
	v.SetDefault("basePath", filepath.Join(cwd, "dist"))
	v.SetDefault("port", 3000)
	v.SetDefault("waitTime", 200)
	v.SetDefault("viewport.width", 1600)
	v.SetDefault("viewport.height", 950)
	v.SetDefault("includeExternal", false)
	v.SetDefault("routes", []string{"/"})
	v.SetDefault("assetPrefix", "/dist")
	v.SetDefault("concurrency", 2)
	v.SetDefault("routeTimeout", "60s")
	v.SetDefault("readySelector", "")
	v.SetDefault("pagesPerSecond", 0)
	v.SetDefault("dryRun", false)
	v.SetDefault("bundler.entry", "./public/index.html")
	v.SetDefault("bundler.outDir", "")
	v.SetDefault("bundler.dir", "")
	v.SetDefault("bundler.devCommand", []string{})
	v.SetDefault("bundler.prodCommand", []string{})
	v.SetDefault("bundler.watch", false)
	v.SetDefault("bundler.quietPeriod", "500ms")
	v.SetDefault("bundler.modeEnv", "NODE_ENV")
	v.SetDefault("browser.execPath", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.noSandbox", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.port", 0)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.serviceName", "croc")
	v.SetDefault("database.table", "snapshots")
}

// RootURL is the origin every route is resolved against. It is always
// derived from Port.
func (c Config) RootURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

// SettleDelay converts WaitTime into a duration.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.WaitTime) * time.Millisecond
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.BasePath) == "" {
		return fmt.Errorf("basePath must be set")
	}
	if c.WaitTime < 0 {
		return fmt.Errorf("waitTime must be >= 0")
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		return fmt.Errorf("viewport.width and viewport.height must be > 0")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("routes must include at least one route")
	}
	for _, route := range c.Routes {
		if err := ValidateRoute(route); err != nil {
			return fmt.Errorf("routes: %w", err)
		}
	}
	if !strings.HasPrefix(c.AssetPrefix, "/") || strings.TrimRight(c.AssetPrefix, "/") == "" {
		return fmt.Errorf("assetPrefix must be a non-root path starting with /")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if c.RouteTimeout < 0 {
		return fmt.Errorf("routeTimeout must be >= 0")
	}
	if c.PagesPerSecond < 0 {
		return fmt.Errorf("pagesPerSecond must be >= 0")
	}
	if c.Bundler.Watch && len(c.Bundler.DevCommand) == 0 {
		return fmt.Errorf("bundler.devCommand must be set when bundler.watch is enabled")
	}
	if c.Bundler.QuietPeriod < 0 {
		return fmt.Errorf("bundler.quietPeriod must be >= 0")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 || c.Metrics.Port == c.Port {
		return fmt.Errorf("metrics.port must be between 0 and 65535 and differ from port")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.projectId and pubsub.topic must be set together")
	}
	return nil
}

// ValidateRoute rejects routes that would escape the output directory.
func ValidateRoute(route string) error {
	if !strings.HasPrefix(route, "/") {
		return fmt.Errorf("route %q must start with /", route)
	}
	if strings.ContainsAny(route, "?#\\") {
		return fmt.Errorf("route %q must not contain a query, fragment or backslash", route)
	}
	for _, segment := range strings.Split(route, "/") {
		if segment == ".." {
			return fmt.Errorf("route %q must not contain .. segments", route)
		}
	}
	return nil
}
