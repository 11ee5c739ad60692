package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	paygate "github.com/nacorid/x402-paygate"
	"github.com/nacorid/x402-paygate/replay"
	"github.com/nacorid/x402-paygate/validation"
)

// Config represents the service configuration file.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Facilitator struct {
		URL            string `yaml:"url"`
		Authorization  string `yaml:"authorization"`
		SettleTimeout  string `yaml:"settle_timeout"`
		PollInterval   string `yaml:"poll_interval"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"facilitator"`

	Replay struct {
		Store           string `yaml:"store"`
		DSN             string `yaml:"dsn"`
		Grace           string `yaml:"grace"`
		Timeout         string `yaml:"timeout"`
		JanitorInterval string `yaml:"janitor_interval"`
	} `yaml:"replay"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	// AmountRules overrides the amount comparison per scheme ("exact" or "at_least").
	AmountRules map[string]string `yaml:"amount_rules"`

	Routes []Route `yaml:"routes"`
}

// Route prices one path. Asset and the EIP-712 domain default to the
// network's USDC contract.
type Route struct {
	Path              string `yaml:"path"`
	Upstream          string `yaml:"upstream"`
	Network           string `yaml:"network"`
	PayTo             string `yaml:"pay_to"`
	Amount            string `yaml:"amount"`
	Asset             string `yaml:"asset"`
	TokenName         string `yaml:"token_name"`
	TokenVersion      string `yaml:"token_version"`
	Description       string `yaml:"description"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`
}

// ParsedConfig contains parsed values for easier use.
type ParsedConfig struct {
	Config
	LogLevel        slog.Level
	Timeouts        paygate.TimeoutConfig
	Grace           time.Duration
	JanitorInterval time.Duration
	AmountRules     map[string]validation.AmountRule
	Requirements    map[string]paygate.PaymentRequirement
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*ParsedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration, applying defaults.
func ParseConfig(data []byte) (*ParsedConfig, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&cfg)

	parsed := &ParsedConfig{
		Config:          cfg,
		Timeouts:        paygate.DefaultTimeouts,
		Grace:           replay.DefaultGrace,
		JanitorInterval: time.Minute,
		AmountRules:     make(map[string]validation.AmountRule),
		Requirements:    make(map[string]paygate.PaymentRequirement),
	}

	if err := parsed.LogLevel.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return nil, fmt.Errorf("invalid log format %q: want json or text", cfg.Log.Format)
	}

	durations := []struct {
		name  string
		value string
		set   func(time.Duration)
	}{
		{"facilitator.settle_timeout", cfg.Facilitator.SettleTimeout, func(d time.Duration) { parsed.Timeouts.SettleTimeout = d }},
		{"facilitator.poll_interval", cfg.Facilitator.PollInterval, func(d time.Duration) { parsed.Timeouts.PollInterval = d }},
		{"facilitator.request_timeout", cfg.Facilitator.RequestTimeout, func(d time.Duration) { parsed.Timeouts.RequestTimeout = d }},
		{"replay.timeout", cfg.Replay.Timeout, func(d time.Duration) { parsed.Timeouts.ReplayTimeout = d }},
		{"replay.grace", cfg.Replay.Grace, func(d time.Duration) { parsed.Grace = d }},
		{"replay.janitor_interval", cfg.Replay.JanitorInterval, func(d time.Duration) { parsed.JanitorInterval = d }},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		d.set(v)
	}
	if err := parsed.Timeouts.Validate(); err != nil {
		return nil, err
	}

	for scheme, rule := range cfg.AmountRules {
		r, err := validation.ParseAmountRule(rule)
		if err != nil {
			return nil, fmt.Errorf("amount_rules.%s: %w", scheme, err)
		}
		parsed.AmountRules[scheme] = r
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for _, route := range cfg.Routes {
		req, err := route.Requirement()
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.Path, err)
		}
		if _, dup := parsed.Requirements[route.Path]; dup {
			return nil, fmt.Errorf("route %s: priced twice", route.Path)
		}
		parsed.Requirements[route.Path] = req
	}

	return parsed, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Replay.Store == "" {
		cfg.Replay.Store = "memory"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "x402.payments"
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].MaxTimeoutSeconds == 0 {
			cfg.Routes[i].MaxTimeoutSeconds = 300
		}
	}
}

// validateConfig validates the configuration values.
func validateConfig(cfg *Config) error {
	if cfg.Facilitator.URL == "" {
		return fmt.Errorf("facilitator.url is required")
	}
	switch cfg.Replay.Store {
	case "memory":
	case "redis", "postgres", "mysql":
		if cfg.Replay.DSN == "" {
			return fmt.Errorf("replay.dsn is required for the %s store", cfg.Replay.Store)
		}
	default:
		return fmt.Errorf("unknown replay.store %q", cfg.Replay.Store)
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	return nil
}

// Requirement builds the payment requirement of the route.
func (r Route) Requirement() (paygate.PaymentRequirement, error) {
	if r.Path == "" {
		return paygate.PaymentRequirement{}, fmt.Errorf("path is required")
	}
	chain, err := paygate.GetChainConfig(r.Network)
	if err != nil {
		return paygate.PaymentRequirement{}, err
	}

	req := paygate.NewUSDCRequirement(chain, r.Path, r.PayTo, r.Amount, r.MaxTimeoutSeconds)
	req.Description = r.Description
	if r.Asset != "" {
		req.Asset = r.Asset
		req.Extra = &paygate.EIP712Domain{Name: r.TokenName, Version: r.TokenVersion}
	}
	if err := req.Validate(); err != nil {
		return paygate.PaymentRequirement{}, err
	}
	return req, nil
}
