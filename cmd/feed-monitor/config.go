package main

import (
	"io/ioutil"
	"time"

	"feedmon/client/websocket"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config is the optional YAML config file. Anything left unset falls back
// to the built-in defaults, and flags take precedence over file values.
type Config struct {
	URL     string   `yaml:"url"`
	Symbol  string   `yaml:"symbol"`
	Streams []string `yaml:"streams"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig mirrors websocket.RetryPolicy in file-friendly units.
type RetryConfig struct {
	DelaysMS      []int `yaml:"delays_ms"`
	ConcealCount  int   `yaml:"conceal_count"`
	JitterPercent int   `yaml:"jitter_percent"`
	IdlePingSec   int   `yaml:"idle_ping_sec"`
	IdleHangupSec int   `yaml:"idle_hangup_sec"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(filename string) (*Config, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Annotatef(err, "parsing config %q", filename)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotatef(err, "config %q", filename)
	}

	return &cfg, nil
}

// Validate checks the config for values no retry policy can make sense of.
func (c *Config) Validate() error {
	for _, ms := range c.Retry.DelaysMS {
		if ms <= 0 {
			return errors.Errorf("retry delay %dms must be positive", ms)
		}
	}

	if c.Retry.ConcealCount < 0 {
		return errors.New("conceal_count must not be negative")
	}

	if c.Retry.JitterPercent < 0 || c.Retry.JitterPercent > 100 {
		return errors.New("jitter_percent must be between 0 and 100")
	}

	if c.Retry.IdlePingSec < 0 || c.Retry.IdleHangupSec < 0 {
		return errors.New("idle timeouts must not be negative")
	}

	return nil
}

// RetryPolicy converts the file values into a policy, starting from the
// default for anything not set.
func (c *Config) RetryPolicy() *websocket.RetryPolicy {
	policy := *websocket.DefaultRetryPolicy

	if len(c.Retry.DelaysMS) > 0 {
		delays := make([]time.Duration, 0, len(c.Retry.DelaysMS))
		for _, ms := range c.Retry.DelaysMS {
			delays = append(delays, time.Duration(ms)*time.Millisecond)
		}
		policy.Delays = delays
		policy.ConcealCount = len(delays)
	}

	if c.Retry.ConcealCount > 0 {
		policy.ConcealCount = c.Retry.ConcealCount
	}

	if c.Retry.JitterPercent > 0 {
		policy.JitterPercent = c.Retry.JitterPercent
	}

	if c.Retry.IdlePingSec > 0 {
		policy.IdlePing = time.Duration(c.Retry.IdlePingSec) * time.Second
	}

	if c.Retry.IdleHangupSec > 0 {
		policy.IdleHangup = time.Duration(c.Retry.IdleHangupSec) * time.Second
	}

	return &policy
}
