// Package env reads the environment level configuration of the module.
package env

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// Presence is true when the variable is set, whatever its value. CI
// providers disagree on what they put in CI, so only its presence counts.
type Presence bool

// Decode implements envconfig.Decoder. It is only called when the variable
// is set.
func (p *Presence) Decode(string) error {
	*p = true
	return nil
}

// Config holds the settings read from the environment.
type Config struct {
	// ExecutablePath overrides the platform default browser binary.
	ExecutablePath string `envconfig:"CHROME_BIN"`
	// CI adjusts the default browser flags for containerised runners.
	CI Presence `envconfig:"CI"`
	// LogLevel is a logrus level name.
	LogLevel string `envconfig:"CDP_LOG_LEVEL" default:"info"`
	// Debug forces debug logging regardless of LogLevel.
	Debug bool `envconfig:"CDP_DEBUG"`
}

// Load reads Config from the process environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return c, fmt.Errorf("reading environment configuration: %w", err)
	}
	return c, nil
}

// IsCI reports whether the CI variable is present in envLookup.
func IsCI(envLookup LookupFunc) bool {
	_, ok := envLookup("CI")
	return ok
}

// ExecutablePath returns the CHROME_BIN override from envLookup.
func ExecutablePath(envLookup LookupFunc) (string, bool) {
	p, ok := envLookup("CHROME_BIN")
	if !ok || p == "" {
		return "", false
	}
	return p, true
}
