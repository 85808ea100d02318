package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator honoring the env-first contract.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot: defaults, then files, then env, then
// the endpoint rule documents referenced by the result.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.ttlseconds":               "server.cache.ttlSeconds",
			"server.cache.sweepseconds":             "server.cache.sweepSeconds",
			"server.cache.redis.tls.cafile":         "server.cache.redis.tls.caFile",
			"server.queue.maxattempts":              "server.queue.maxAttempts",
			"server.executor.timeoutseconds":        "server.executor.timeoutSeconds",
			"server.netstatus.startonline":          "server.netstatus.startOnline",
			"server.netstatus.probetarget":          "server.netstatus.probeTarget",
			"server.netstatus.probeintervalseconds": "server.netstatus.probeIntervalSeconds",
			"server.rules.rulesfolder":              "server.rules.rulesFolder",
			"server.rules.rulesfile":                "server.rules.rulesFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT ->
			// server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRules = cloneRuleMap(cfg.Rules)

	bundle, err := buildRuleBundle(ctx, cfg.InlineRules, cfg.Server.Rules)
	if err != nil {
		return Config{}, err
	}
	cfg.Rules = bundle.Rules
	cfg.RuleSources = bundle.Sources
	cfg.SkippedRules = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"backend":      cfg.Server.Cache.Backend,
				"ttlSeconds":   cfg.Server.Cache.TTLSeconds,
				"sweepSeconds": cfg.Server.Cache.SweepSeconds,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"queue": map[string]any{
				"path":        cfg.Server.Queue.Path,
				"maxAttempts": cfg.Server.Queue.MaxAttempts,
			},
			"executor": map[string]any{
				"timeoutSeconds": cfg.Server.Executor.TimeoutSeconds,
				"retries":        cfg.Server.Executor.Retries,
			},
			"netstatus": map[string]any{
				"mode":                 cfg.Server.Netstatus.Mode,
				"startOnline":          cfg.Server.Netstatus.StartOnline,
				"probeTarget":          cfg.Server.Netstatus.ProbeTarget,
				"probeIntervalSeconds": cfg.Server.Netstatus.ProbeIntervalSeconds,
			},
			"rules": map[string]any{
				"rulesFolder": cfg.Server.Rules.RulesFolder,
				"rulesFile":   cfg.Server.Rules.RulesFile,
			},
		},
	}
}

func cloneRuleMap(in map[string]EndpointRule) map[string]EndpointRule {
	if in == nil {
		return nil
	}
	out := make(map[string]EndpointRule, len(in))
	for name, rule := range in {
		out[name] = rule
	}
	return out
}
