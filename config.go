package minaret

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration, usually read from a yaml file.
type Config struct {
	// Port to listen on.
	Port int `yaml:"port"`
	// Origin is the URL of the prayer-times application server.
	Origin string `yaml:"origin"`
	// Generation tags this agent's cache partitions. Bumping it on upgrade
	// makes activation garbage-collect the previous generation's partitions.
	Generation string `yaml:"generation"`
	// StoreFile is the sqlite file for settings, snapshot and entries.
	StoreFile string `yaml:"storeFile"`
	// CacheFile is the sqlite file for the cache partitions.
	CacheFile string `yaml:"cacheFile"`
	// APIPrefixes are the path prefixes classified as API traffic.
	APIPrefixes []string `yaml:"apiPrefixes"`
	// CoreAssets are the static shell files served cache-first. Matching is
	// by path or full-URL substring, tolerant of query strings.
	CoreAssets []string `yaml:"coreAssets"`
	// Endpoints are the API paths pre-fetched into the api partition on install.
	Endpoints []string `yaml:"endpoints"`
	// Timezone prayer time strings are interpreted in, e.g. "Asia/Jakarta".
	// The host's local timezone is used if empty.
	Timezone string `yaml:"timezone"`
	// TargetURL is the page opened from a clicked notification.
	TargetURL string `yaml:"targetUrl"`
	// AllowedOrigins for the control channel CORS policy.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// AppIcon is an optional icon path for desktop notifications.
	AppIcon string `yaml:"appIcon"`
	MQTT    MQTT   `yaml:"mqtt"`
}

// MQTT configures the page-broadcast channel. An empty broker disables it.
type MQTT struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

// LoadConfig reads the configuration from a yaml file. Defaults are filled in
// by the agent, after command-line and environment overrides have been applied.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyDefaults fills in the defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Generation == "" {
		c.Generation = "v1"
	}
	if c.StoreFile == "" {
		c.StoreFile = "minaret.db"
	}
	if c.CacheFile == "" {
		c.CacheFile = "cache.db"
	}
	if len(c.APIPrefixes) == 0 {
		c.APIPrefixes = []string{"/v1/"}
	}
	if len(c.CoreAssets) == 0 {
		c.CoreAssets = []string{
			"/",
			"/index.html",
			"/styles.css",
			"/app.js",
			"/manifest.json",
			"/icons/icon-192.png",
			"/icons/icon-512.png",
		}
	}
	if c.TargetURL == "" {
		c.TargetURL = "/"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "minaret/pages"
	}
}
