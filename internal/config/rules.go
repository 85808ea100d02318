package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/relayctrl/internal/expr"
)

const inlineSourceName = "inline-config"

// RuleBundle captures the merged endpoint rules after loading every
// configured source.
type RuleBundle struct {
	Rules   map[string]EndpointRule
	Sources []string
	Skipped []RuleSkip
}

type ruleDocument struct {
	Rules map[string]EndpointRule `koanf:"rules"`
}

// buildRuleBundle merges inline rules with documents from the configured
// rules file or folder. Duplicate names and rules with invalid CEL
// expressions are quarantined rather than silently overriding each other.
func buildRuleBundle(ctx context.Context, inline map[string]EndpointRule, src RulesConfig) (RuleBundle, error) {
	rules := make(map[string]EndpointRule)
	sources := make(map[string]string)
	skips := make(map[string]*RuleSkip)

	add := func(name string, rule EndpointRule, source string) {
		if skip, ok := skips[name]; ok {
			skip.Sources = appendUnique(skip.Sources, source)
			return
		}
		if prev, ok := sources[name]; ok {
			skips[name] = &RuleSkip{Name: name, Reason: "duplicate definition", Sources: []string{prev, source}}
			delete(sources, name)
			delete(rules, name)
			return
		}
		sources[name] = source
		rules[name] = rule
	}

	for name, rule := range inline {
		add(name, rule, inlineSourceName)
	}

	paths, err := ruleSourcePaths(src)
	if err != nil {
		return RuleBundle{}, err
	}
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return RuleBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRuleDocument(path)
		if err != nil {
			return RuleBundle{}, err
		}
		for name, rule := range doc.Rules {
			add(name, rule, path)
		}
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return RuleBundle{}, err
	}
	for name, rule := range rules {
		if err := validateRuleExpressions(rule, env); err != nil {
			skips[name] = &RuleSkip{
				Name:    name,
				Reason:  fmt.Sprintf("invalid rule expressions: %v", err),
				Sources: []string{sources[name]},
			}
			delete(sources, name)
			delete(rules, name)
		}
	}

	bundle := RuleBundle{Rules: rules}
	seen := make(map[string]struct{})
	for _, source := range sources {
		if source == inlineSourceName {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		bundle.Sources = append(bundle.Sources, source)
	}
	sort.Strings(bundle.Sources)
	for _, skip := range skips {
		bundle.Skipped = append(bundle.Skipped, *skip)
	}
	sort.Slice(bundle.Skipped, func(i, j int) bool { return bundle.Skipped[i].Name < bundle.Skipped[j].Name })
	return bundle, nil
}

func validateRuleExpressions(rule EndpointRule, env *expr.Environment) error {
	if expression := strings.TrimSpace(rule.RetryWhen); expression != "" {
		if _, err := env.Compile(expression); err != nil {
			return fmt.Errorf("retryWhen: %w", err)
		}
	}
	if expression := strings.TrimSpace(rule.CacheWhen); expression != "" {
		if _, err := env.Compile(expression); err != nil {
			return fmt.Errorf("cacheWhen: %w", err)
		}
	}
	return nil
}

func ruleSourcePaths(src RulesConfig) ([]string, error) {
	if src.RulesFile != "" {
		return []string{src.RulesFile}, nil
	}
	if src.RulesFolder == "" {
		return nil, nil
	}
	var paths []string
	err := filepath.WalkDir(src.RulesFolder, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("config: walk rules folder %s: %w", path, walkErr)
		}
		if d.IsDir() {
			return nil
		}
		if isSupportedRulesFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	parser, err := parserForPath(path)
	if err != nil {
		return ruleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load rules %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: unmarshal rules %s: %w", path, err)
	}
	return doc, nil
}

func parserForPath(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rules file %s", path)
	}
}

func isSupportedRulesFile(path string) bool {
	_, err := parserForPath(path)
	return err == nil
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
