// Package config defines the JSON shape accepted by Executor.Configure and
// the documented defaults for every field left unset.
package config

import (
	"encoding/json"
	"strings"
)

// Defaults mirror the installer's documented fallback configuration.
const (
	DefaultAppsPath = "/mnt/apps/dac/images/"
	DefaultDBPath   = "/mnt/apps/dac/db/"
	DefaultDataPath = "/mnt/data/dac/"

	DefaultAnnotationsFile  = ""
	DefaultAnnotationsRegex = ""

	DefaultDownloadRetryAfterSeconds = 30
	DefaultDownloadRetryMaxTimes     = 4
	DefaultDownloadTimeoutSeconds    = 900
)

// Config is the recognized Configure payload. Every field is optional; zero
// values are replaced with the documented default by Normalize.
type Config struct {
	AppsPath string `json:"appspath"`
	DBPath   string `json:"dbpath"`
	DataPath string `json:"datapath"`

	AnnotationsFile  string `json:"annotationsFile"`
	AnnotationsRegex string `json:"annotationsRegex"`

	DownloadRetryAfterSeconds uint32 `json:"downloadRetryAfterSeconds"`
	DownloadRetryMaxTimes     uint32 `json:"downloadRetryMaxTimes"`
	DownloadTimeoutSeconds    uint32 `json:"downloadTimeoutSeconds"`
}

// Parse decodes raw JSON into a Config and applies defaults/normalization.
func Parse(raw []byte) (Config, error) {
	var c Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return Config{}, err
		}
	}
	return c.Normalize(), nil
}

// Normalize fills unset fields with documented defaults and ensures every
// path value ends with a trailing separator.
func (c Config) Normalize() Config {
	if c.AppsPath == "" {
		c.AppsPath = DefaultAppsPath
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.DataPath == "" {
		c.DataPath = DefaultDataPath
	}
	if c.DownloadRetryAfterSeconds == 0 {
		c.DownloadRetryAfterSeconds = DefaultDownloadRetryAfterSeconds
	}
	if c.DownloadRetryMaxTimes == 0 {
		c.DownloadRetryMaxTimes = DefaultDownloadRetryMaxTimes
	}
	if c.DownloadTimeoutSeconds == 0 {
		c.DownloadTimeoutSeconds = DefaultDownloadTimeoutSeconds
	}

	c.AppsPath = withTrailingSlash(c.AppsPath)
	c.DBPath = withTrailingSlash(c.DBPath)
	c.DataPath = withTrailingSlash(c.DataPath)
	return c
}

func withTrailingSlash(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
