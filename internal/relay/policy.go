package relay

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/relayctrl/internal/config"
	"github.com/l0p7/relayctrl/internal/expr"
)

// compiledRule is an endpoint policy override with its CEL predicates
// compiled once at load time.
type compiledRule struct {
	name     string
	prefix   string
	retries  *int
	timeout  *time.Duration
	cacheTTL *time.Duration

	retryWhen *expr.Program
	cacheWhen *expr.Program
}

// ruleSet holds compiled rules ordered by descending prefix length so the
// most specific match wins.
type ruleSet struct {
	rules []compiledRule
}

func compileRules(defs map[string]config.EndpointRule, env *expr.Environment) (*ruleSet, error) {
	set := &ruleSet{}
	for name, def := range defs {
		prefix := strings.TrimSpace(def.Prefix)
		if prefix == "" {
			return nil, fmt.Errorf("relay: rule %q missing prefix", name)
		}
		rule := compiledRule{name: name, prefix: prefix, retries: def.Retries}
		if def.TimeoutSeconds != nil {
			d := time.Duration(*def.TimeoutSeconds) * time.Second
			rule.timeout = &d
		}
		if def.CacheTTLSeconds != nil {
			d := time.Duration(*def.CacheTTLSeconds) * time.Second
			rule.cacheTTL = &d
		}
		if expression := strings.TrimSpace(def.RetryWhen); expression != "" {
			program, err := env.Compile(expression)
			if err != nil {
				return nil, fmt.Errorf("relay: rule %q retryWhen: %w", name, err)
			}
			rule.retryWhen = &program
		}
		if expression := strings.TrimSpace(def.CacheWhen); expression != "" {
			program, err := env.Compile(expression)
			if err != nil {
				return nil, fmt.Errorf("relay: rule %q cacheWhen: %w", name, err)
			}
			rule.cacheWhen = &program
		}
		set.rules = append(set.rules, rule)
	}
	sort.Slice(set.rules, func(i, j int) bool {
		if len(set.rules[i].prefix) != len(set.rules[j].prefix) {
			return len(set.rules[i].prefix) > len(set.rules[j].prefix)
		}
		return set.rules[i].name < set.rules[j].name
	})
	return set, nil
}

// match returns the most specific rule whose prefix covers the URL.
func (s *ruleSet) match(url string) *compiledRule {
	if s == nil {
		return nil
	}
	for i := range s.rules {
		if strings.HasPrefix(url, s.rules[i].prefix) {
			return &s.rules[i]
		}
	}
	return nil
}

// attemptVars builds the CEL activation for rule predicates.
func attemptVars(status int, header http.Header, method string, attempt int) map[string]any {
	headers := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	return map[string]any{
		"status":  status,
		"headers": headers,
		"method":  method,
		"attempt": attempt,
	}
}
