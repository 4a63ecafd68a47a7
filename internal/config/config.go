// Package config holds the provider table and retry policy. Values start
// from built-in defaults, are overlaid by an optional YAML file and then by
// flags or environment variables that were set explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"relay-api/internal/relay"
	"relay-api/internal/shared"
	"relay-api/internal/upstream"

	"gopkg.in/yaml.v3"
)

const chatCompletionsPath = "/chat/completions"

type ProviderConfig struct {
	Name string `yaml:"name"`
	// BaseURL is the API root; the default provider's passthrough routes
	// hang off it.
	BaseURL string `yaml:"base_url"`
	// URL is the chat completions endpoint. Defaults to BaseURL plus
	// /chat/completions.
	URL    string            `yaml:"url"`
	APIKey string            `yaml:"api_key"`
	Models map[string]string `yaml:"models"`
}

// ChatURL is the endpoint completions are posted to.
func (p ProviderConfig) ChatURL() string {
	if p.URL != "" {
		return p.URL
	}
	return strings.TrimSuffix(p.BaseURL, "/") + chatCompletionsPath
}

type PolicyConfig struct {
	MaxAttempts    int             `yaml:"max_attempts"`
	Backoff        string          `yaml:"backoff"`
	Schedule       []time.Duration `yaml:"schedule"`
	Base           time.Duration   `yaml:"base"`
	Cap            time.Duration   `yaml:"cap"`
	StallTimeout   time.Duration   `yaml:"stall_timeout"`
	InitialTimeout time.Duration   `yaml:"initial_timeout"`
	AbortOnPartial bool            `yaml:"abort_on_partial"`
}

type Config struct {
	Default    ProviderConfig   `yaml:"default"`
	FastPaths  []ProviderConfig `yaml:"fast_paths"`
	Policy     PolicyConfig     `yaml:"policy"`
	StreamMode string           `yaml:"stream_mode"`
}

// Default is OpenRouter as the default provider with DeepSeek as the fast
// path for deepseek/deepseek-chat.
func Default() *Config {
	p := relay.DefaultPolicy()
	return &Config{
		Default: ProviderConfig{
			Name:    shared.DefaultProviderName,
			BaseURL: shared.DefaultProviderURL,
		},
		FastPaths: []ProviderConfig{{
			Name:   shared.DeepSeekName,
			URL:    shared.DeepSeekURL,
			Models: map[string]string{"deepseek/deepseek-chat": "deepseek-chat"},
		}},
		Policy: PolicyConfig{
			MaxAttempts:    p.MaxAttempts,
			Backoff:        string(p.Backoff),
			Schedule:       p.Schedule,
			Base:           p.Base,
			Cap:            p.Cap,
			StallTimeout:   p.StallTimeout,
			InitialTimeout: p.InitialTimeout,
		},
		StreamMode: string(relay.ModeRaw),
	}
}

// LoadFile overlays the YAML file at path onto c. Fields missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return nil
}

// Apply sets one value by its flag name. Unknown names are ignored so the
// caller can pass every visited flag.
func (c *Config) Apply(name, value string) error {
	var err error
	switch name {
	case "default-url":
		c.Default.BaseURL = value
		c.Default.URL = ""
	case "openrouter-api-key":
		c.Default.APIKey = value
	case "deepseek-api-key":
		for i := range c.FastPaths {
			if c.FastPaths[i].Name == shared.DeepSeekName {
				c.FastPaths[i].APIKey = value
			}
		}
	case "stream-mode":
		c.StreamMode = value
	case "max-attempts":
		c.Policy.MaxAttempts, err = strconv.Atoi(value)
	case "backoff":
		c.Policy.Backoff = value
	case "stall-timeout":
		c.Policy.StallTimeout, err = time.ParseDuration(value)
	case "initial-timeout":
		c.Policy.InitialTimeout, err = time.ParseDuration(value)
	case "abort-on-partial":
		c.Policy.AbortOnPartial, err = strconv.ParseBool(value)
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, name, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs error
	if c.Default.BaseURL == "" && c.Default.URL == "" {
		errs = errors.Join(errs, errors.New("default provider needs a base_url or url"))
	}
	if c.Default.Name == "" {
		errs = errors.Join(errs, errors.New("default provider needs a name"))
	}
	for i, fp := range c.FastPaths {
		if fp.Name == "" || fp.ChatURL() == chatCompletionsPath {
			errs = errors.Join(errs, fmt.Errorf("fast path %d needs a name and url", i))
		}
		if len(fp.Models) == 0 {
			errs = errors.Join(errs, fmt.Errorf("fast path %q maps no models", fp.Name))
		}
	}
	if _, err := relay.ParseMode(c.StreamMode); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

func (c *Config) RetryPolicy() relay.Policy {
	return relay.Policy{
		MaxAttempts:    c.Policy.MaxAttempts,
		Backoff:        relay.Variant(c.Policy.Backoff),
		Schedule:       c.Policy.Schedule,
		Base:           c.Policy.Base,
		Cap:            c.Policy.Cap,
		StallTimeout:   c.Policy.StallTimeout,
		InitialTimeout: c.Policy.InitialTimeout,
		AbortOnPartial: c.Policy.AbortOnPartial,
	}
}

// Mode assumes Validate passed.
func (c *Config) Mode() relay.Mode {
	mode, err := relay.ParseMode(c.StreamMode)
	if err != nil {
		return relay.ModeRaw
	}
	return mode
}

// DefaultTarget is the default provider. Callers' Authorization headers are
// forwarded to it.
func (c *Config) DefaultTarget() upstream.Target {
	return upstream.Target{
		Name:       c.Default.Name,
		URL:        c.Default.ChatURL(),
		APIKey:     c.Default.APIKey,
		CallerAuth: true,
	}
}

// DefaultBaseURL is the API root used by the passthrough routes.
func (c *Config) DefaultBaseURL() string {
	if c.Default.BaseURL != "" {
		return strings.TrimSuffix(c.Default.BaseURL, "/")
	}
	return strings.TrimSuffix(c.Default.URL, chatCompletionsPath)
}

// Selector builds the fallback selector. Fast paths without an API key are
// left out and reported in skipped.
func (c *Config) Selector() (selector *relay.Selector, skipped []string) {
	selector = &relay.Selector{Default: c.DefaultTarget()}
	for _, fp := range c.FastPaths {
		if fp.APIKey == "" {
			skipped = append(skipped, fp.Name)
			continue
		}
		selector.FastPaths = append(selector.FastPaths, relay.FastPath{
			Target: upstream.Target{Name: fp.Name, URL: fp.ChatURL(), APIKey: fp.APIKey},
			Models: fp.Models,
		})
	}
	return selector, skipped
}
