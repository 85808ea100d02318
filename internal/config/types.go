package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every server-level option plus the endpoint rules once loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Rules maps rule names to endpoint policy overrides. Inline definitions
	// from the main file merge with documents loaded from the rules source.
	Rules map[string]EndpointRule `koanf:"rules"`

	// InlineRules preserves the definitions that came from the main config so
	// rule-source reloads can re-merge without re-reading the server file.
	InlineRules map[string]EndpointRule `koanf:"-"`

	// RuleSources records which files contributed rule definitions.
	RuleSources []string `koanf:"-"`
	// SkippedRules captures definitions the loader quarantined (duplicates,
	// invalid expressions) so health checks can surface them.
	SkippedRules []RuleSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by process wiring.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Queue     QueueConfig     `koanf:"queue"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Netstatus NetstatusConfig `koanf:"netstatus"`
	Rules     RulesConfig     `koanf:"rules"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	Backend      string           `koanf:"backend"`
	TTLSeconds   int              `koanf:"ttlSeconds"`
	SweepSeconds int              `koanf:"sweepSeconds"`
	Redis        RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// QueueConfig owns the durable offline-queue store.
type QueueConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory fallback
	// store, which does not survive restarts.
	Path        string `koanf:"path"`
	MaxAttempts int    `koanf:"maxAttempts"`
}

// ExecutorConfig carries the request execution defaults.
type ExecutorConfig struct {
	TimeoutSeconds int `koanf:"timeoutSeconds"`
	Retries        int `koanf:"retries"`
}

// NetstatusConfig selects the connectivity signal implementation.
type NetstatusConfig struct {
	// Mode is one of "manual", "probe", or "always-online".
	Mode                 string `koanf:"mode"`
	StartOnline          bool   `koanf:"startOnline"`
	ProbeTarget          string `koanf:"probeTarget"`
	ProbeIntervalSeconds int    `koanf:"probeIntervalSeconds"`
}

// RulesConfig announces how endpoint rule documents are sourced.
type RulesConfig struct {
	RulesFolder string `koanf:"rulesFolder"`
	RulesFile   string `koanf:"rulesFile"`
}

// EndpointRule overrides executor policy for URLs matching a prefix. Nil
// pointer fields inherit the request's own value or the server default.
type EndpointRule struct {
	Description string `koanf:"description"`
	// Prefix matches against the full request URL.
	Prefix          string `koanf:"prefix"`
	Retries         *int   `koanf:"retries"`
	TimeoutSeconds  *int   `koanf:"timeoutSeconds"`
	CacheTTLSeconds *int   `koanf:"cacheTtlSeconds"`
	// RetryWhen and CacheWhen are CEL predicates over {status, headers,
	// method, attempt}. Empty expressions fall back to the static tables.
	RetryWhen string `koanf:"retryWhen"`
	CacheWhen string `koanf:"cacheWhen"`
}

// RuleSkip describes a rule definition the loader intentionally ignored.
type RuleSkip struct {
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// DefaultConfig returns the baseline the loader layers files and env over.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "127.0.0.1", Port: 8137},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Cache: CacheConfig{
				Backend:      "memory",
				TTLSeconds:   30,
				SweepSeconds: 60,
			},
			Queue:    QueueConfig{Path: "relayctrl-queue.db", MaxAttempts: 3},
			Executor: ExecutorConfig{TimeoutSeconds: 10, Retries: 3},
			Netstatus: NetstatusConfig{
				Mode:                 "manual",
				StartOnline:          true,
				ProbeIntervalSeconds: 15,
			},
		},
	}
}

// Validate rejects option combinations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	switch strings.ToLower(c.Server.Cache.Backend) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: redis cache backend requires an address")
		}
	default:
		return fmt.Errorf("config: unsupported cache backend %q", c.Server.Cache.Backend)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return errors.New("config: cache ttlSeconds must not be negative")
	}
	if c.Server.Queue.MaxAttempts < 0 {
		return errors.New("config: queue maxAttempts must not be negative")
	}
	if c.Server.Executor.Retries < 0 {
		return errors.New("config: executor retries must not be negative")
	}
	if c.Server.Executor.TimeoutSeconds < 0 {
		return errors.New("config: executor timeoutSeconds must not be negative")
	}
	switch strings.ToLower(c.Server.Netstatus.Mode) {
	case "", "manual", "always-online":
	case "probe":
		if strings.TrimSpace(c.Server.Netstatus.ProbeTarget) == "" {
			return errors.New("config: probe netstatus mode requires a probeTarget")
		}
	default:
		return fmt.Errorf("config: unsupported netstatus mode %q", c.Server.Netstatus.Mode)
	}
	for name, rule := range c.Rules {
		if strings.TrimSpace(rule.Prefix) == "" {
			return fmt.Errorf("config: rule %q missing url prefix", name)
		}
	}
	return nil
}
