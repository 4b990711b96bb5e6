package interceptcache

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration of the interception layer. It is
// read once at startup and treated as constant for the process lifetime.
type FileConfig struct {
	// Glob-style patterns for cache-eligible URLs.
	CachePatterns []string `yaml:"cachePatterns"`

	AccessControl struct {
		Enabled            bool     `yaml:"enabled"`
		AllowedPatterns    []string `yaml:"allowedPatterns"`
		LocalContentPrefix string   `yaml:"localContentPrefix"`
	} `yaml:"accessControl"`

	FreshSeconds int `yaml:"freshSeconds"`
	StaleSeconds int `yaml:"staleSeconds"`

	// Advisory capacity hints; nothing is evicted when they are exceeded.
	MemoryCapacityBytes int64 `yaml:"memoryCapacityBytes"`
	DiskCapacityBytes   int64 `yaml:"diskCapacityBytes"`
}

func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
