package portalworker

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/always-cache/portal-worker/cache"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Version tag embedded in the cache generation names.
	// Changing it is the only way to invalidate stored entries.
	Version string `yaml:"version"`
	// Prefix of the cache generation names.
	CachePrefix string `yaml:"cachePrefix"`
	// Base URL of the portal pages. Relative static assets are resolved against it.
	Scope string `yaml:"scope"`
	// Origin of the REST API; requests to it are served network-first.
	APIOrigin string `yaml:"apiOrigin"`
	// Path prefix that the proxy server forwards to the API origin.
	APIMount string `yaml:"apiMount"`
	// Resources stored in the static generation on install.
	StaticAssets []string `yaml:"staticAssets"`
	// Page opened when a notification's "View Details" action is clicked.
	DashboardPage string             `yaml:"dashboardPage"`
	Notification  NotificationConfig `yaml:"notification"`

	// Storage for cache generations.
	Cache cache.CacheProvider `yaml:"-"`
	// Transport used for network fetches. http.DefaultTransport is used if nil.
	Network http.RoundTripper `yaml:"-"`
	// Host runtime integration. A LogHost is used if nil.
	Host Host `yaml:"-"`
	// Replay hook for background sync. Nothing is replayed if nil.
	Sync SyncHandler `yaml:"-"`
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
}

type NotificationConfig struct {
	Title string `yaml:"title"`
	Icon  string `yaml:"icon"`
	Badge string `yaml:"badge"`
}

// DefaultConfig returns the configuration of the student dashboard.
func DefaultConfig() Config {
	return Config{
		Version:     "1.0.0",
		CachePrefix: "student-dashboard",
		Scope:       "http://localhost:8080/",
		APIOrigin:   "https://department-mangement-system-97wj.onrender.com",
		APIMount:    "/api/",
		StaticAssets: []string{
			"./",
			"./student_dashboard.html",
			"./login.html",
			"./student_dashboard.js",
			"./login.js",
			"./student.css",
			"./Logo2.jpg",
			"./favicon.ico",
			"./manifest.json",
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0-beta3/css/all.min.css",
		},
		DashboardPage: "./student_dashboard.html",
		Notification: NotificationConfig{
			Title: "Student Dashboard",
			Icon:  "./Logo2.jpg",
			Badge: "./Logo2.jpg",
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("%s: %w", filename, err)
	}
	return config, nil
}

// Validate checks the declarative part of the config.
func (c Config) Validate() error {
	if _, _, err := GenerationNames(c.CachePrefix, c.Version); err != nil {
		return err
	}
	if _, err := parseWebURL("scope", c.Scope); err != nil {
		return err
	}
	origin, err := parseWebURL("apiOrigin", c.APIOrigin)
	if err != nil {
		return err
	}
	if strings.Trim(origin.Path, "/") != "" {
		return fmt.Errorf("apiOrigin: must not have a path, got %q", origin.Path)
	}
	if c.APIMount != "" && !strings.HasPrefix(c.APIMount, "/") {
		return fmt.Errorf("apiMount: must start with /, got %q", c.APIMount)
	}
	if c.DashboardPage == "" {
		return fmt.Errorf("dashboardPage is required")
	}
	return nil
}

// GenerationNames returns the static and dynamic cache generation names
// for the given prefix and version, e.g. student-dashboard-static-v1.0.0.
func GenerationNames(prefix, version string) (string, string, error) {
	if prefix == "" {
		return "", "", fmt.Errorf("cachePrefix is required")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", "", fmt.Errorf("version %q: %w", version, err)
	}
	tag := "v" + v.String()
	return prefix + "-static-" + tag, prefix + "-dynamic-" + tag, nil
}

func parseWebURL(field, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if !isWebScheme(u) || u.Host == "" {
		return nil, fmt.Errorf("%s: must be an absolute http(s) URL, got %q", field, raw)
	}
	return u, nil
}
