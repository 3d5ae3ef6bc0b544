package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the keys an environment can override
type Settings struct {
	Retry                  *int              `yaml:"retry,omitempty"`
	SessionsPerEnvironment *int              `yaml:"sessionsPerEnvironment,omitempty"`
	TestsPerSession        *int              `yaml:"testsPerSession,omitempty"`
	Timeout                int               `yaml:"timeout,omitempty"` // milliseconds
	BaseURL                string            `yaml:"baseUrl,omitempty"`
	HealthPath             string            `yaml:"healthPath,omitempty"`
	Headers                map[string]string `yaml:"headers,omitempty"`
}

// SkipRule marks tests pending. Env and Title are regular expressions; an
// empty pattern matches everything.
type SkipRule struct {
	Env    string `yaml:"env,omitempty"`
	Title  string `yaml:"title,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// Config represents the hitrun configuration
type Config struct {
	Settings `yaml:",inline"`

	SessionLaunchRate float64             `yaml:"sessionLaunchRate,omitempty"` // sessions per second, 0 is unlimited
	Reporters         []string            `yaml:"reporters,omitempty"`
	OutputDir         string              `yaml:"outputDir,omitempty"`
	NoColor           *bool               `yaml:"noColor,omitempty"`
	Skip              []SkipRule          `yaml:"skip,omitempty"`
	Environments      map[string]Settings `yaml:"environments,omitempty"`
}

// Environment is the resolved, immutable configuration of one environment
type Environment struct {
	ID              string
	ParallelLimit   int
	SessionUseLimit int
	Retry           int
	Timeout         time.Duration
	BaseURL         string
	HealthPath      string
	Headers         map[string]string
}

// ErrUnknownEnvironment is returned for environment ids missing from the config
var ErrUnknownEnvironment = errors.New("unknown environment")

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}

func getInt(v *int, defaultVal int) int {
	if v == nil {
		return defaultVal
	}
	return *v
}

func getBool(b *bool, defaultVal bool) bool {
	if b == nil {
		return defaultVal
	}
	return *b
}

// GetNoColor returns the no color setting, defaulting to false
func (c *Config) GetNoColor() bool {
	return getBool(c.NoColor, false)
}

// EnvironmentIDs returns the configured environment ids, sorted
func (c *Config) EnvironmentIDs() []string {
	ids := make([]string, 0, len(c.Environments))
	for id := range c.Environments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForEnvironment resolves the settings of one environment over the globals
func (c *Config) ForEnvironment(id string) (Environment, error) {
	s, ok := c.Environments[id]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, id)
	}

	timeout := c.Timeout
	if s.Timeout > 0 {
		timeout = s.Timeout
	}

	env := Environment{
		ID:              id,
		ParallelLimit:   getInt(s.SessionsPerEnvironment, getInt(c.SessionsPerEnvironment, 0)),
		SessionUseLimit: getInt(s.TestsPerSession, getInt(c.TestsPerSession, 0)),
		Retry:           getInt(s.Retry, getInt(c.Retry, 0)),
		Timeout:         time.Duration(timeout) * time.Millisecond,
		BaseURL:         firstNonEmpty(s.BaseURL, c.BaseURL),
		HealthPath:      firstNonEmpty(s.HealthPath, c.HealthPath),
		Headers:         make(map[string]string, len(c.Headers)+len(s.Headers)),
	}
	for k, v := range c.Headers {
		env.Headers[k] = v
	}
	for k, v := range s.Headers {
		env.Headers[k] = v
	}
	return env, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate reports the first problem that makes the config unusable
func (c *Config) Validate() error {
	if len(c.Environments) == 0 {
		return errors.New("config: no environments configured")
	}
	if c.SessionLaunchRate < 0 {
		return errors.New("config: sessionLaunchRate must not be negative")
	}
	check := func(where string, s Settings) error {
		for key, v := range map[string]*int{
			"retry":                  s.Retry,
			"sessionsPerEnvironment": s.SessionsPerEnvironment,
			"testsPerSession":        s.TestsPerSession,
		} {
			if v != nil && *v < 0 {
				return fmt.Errorf("config: %s%s must not be negative", where, key)
			}
		}
		if s.Timeout < 0 {
			return fmt.Errorf("config: %stimeout must not be negative", where)
		}
		return nil
	}
	if err := check("", c.Settings); err != nil {
		return err
	}
	for _, id := range c.EnvironmentIDs() {
		if err := check("environments."+id+".", c.Environments[id]); err != nil {
			return err
		}
	}
	for i, r := range c.Skip {
		for _, p := range []string{r.Env, r.Title} {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("config: skip[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// ConfigFilenames contains the possible config file names
var ConfigFilenames = []string{
	"hitrun.yaml",
	".hitrun.yaml",
	"hitrun.yml",
	"hitrun.json",
}

// LoadConfig loads configuration from the specified path or searches for config files
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return loadConfigFromFile(path)
	}
	return FindAndLoadConfig(".")
}

// FindAndLoadConfig searches for a config file in the given directory
func FindAndLoadConfig(dir string) (*Config, error) {
	for _, filename := range ConfigFilenames {
		configPath := filepath.Join(dir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return loadConfigFromFile(configPath)
		}
	}
	return DefaultConfig(), nil
}

// loadConfigFromFile reads a YAML (or JSON) config, expanding ${VAR}
// references from the process environment first.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	config := DefaultConfig()
	config.Environments = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if len(config.Environments) == 0 {
		config.Environments = DefaultConfig().Environments
	}
	return config, nil
}

// Merge merges another config into this one, with other taking precedence
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c
	result.Settings = mergeSettings(c.Settings, other.Settings)

	if other.SessionLaunchRate > 0 {
		result.SessionLaunchRate = other.SessionLaunchRate
	}
	if other.OutputDir != "" {
		result.OutputDir = other.OutputDir
	}
	if other.NoColor != nil {
		result.NoColor = other.NoColor
	}
	if len(other.Reporters) > 0 {
		result.Reporters = other.Reporters
	}
	if len(other.Skip) > 0 {
		result.Skip = append(append([]SkipRule{}, c.Skip...), other.Skip...)
	}
	if len(other.Environments) > 0 {
		result.Environments = make(map[string]Settings, len(c.Environments)+len(other.Environments))
		for id, s := range c.Environments {
			result.Environments[id] = s
		}
		for id, s := range other.Environments {
			result.Environments[id] = mergeSettings(result.Environments[id], s)
		}
	}
	return &result
}

func mergeSettings(base, other Settings) Settings {
	result := base
	if other.Retry != nil {
		result.Retry = other.Retry
	}
	if other.SessionsPerEnvironment != nil {
		result.SessionsPerEnvironment = other.SessionsPerEnvironment
	}
	if other.TestsPerSession != nil {
		result.TestsPerSession = other.TestsPerSession
	}
	if other.Timeout > 0 {
		result.Timeout = other.Timeout
	}
	if other.BaseURL != "" {
		result.BaseURL = other.BaseURL
	}
	if other.HealthPath != "" {
		result.HealthPath = other.HealthPath
	}
	if len(other.Headers) > 0 {
		headers := make(map[string]string, len(base.Headers)+len(other.Headers))
		for k, v := range base.Headers {
			headers[k] = v
		}
		for k, v := range other.Headers {
			headers[k] = v
		}
		result.Headers = headers
	}
	return result
}

// SaveConfig writes the configuration as YAML
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
