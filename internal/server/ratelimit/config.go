package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Rule is the allowance for one route class.
type Rule struct {
	Route  Route
	Limit  int // requests per Window
	Window time.Duration
	Burst  int // defaults to Limit
}

// Config controls the limiter. Exempt and Blocked hold owner IDs or IPs.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	Exempt          map[string]bool
	Blocked         map[string]bool
	Rules           []Rule
}

// rule returns the allowance for route and whether it is limited at all.
func (c *Config) rule(route Route) (Rule, bool) {
	if route == RouteExempt {
		return Rule{}, false
	}
	r := Rule{Route: route, Limit: c.DefaultLimit, Window: c.DefaultWindow}
	for _, candidate := range c.Rules {
		if candidate.Route == route {
			r = candidate
			break
		}
	}
	return r, r.Limit > 0 && r.Window > 0
}

// LoadConfig reads RATE_LIMIT_* variables.
func LoadConfig() *Config {
	if !envParse("RATE_LIMIT_ENABLED", true, strconv.ParseBool) {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    envParse("RATE_LIMIT_DEFAULT_LIMIT", 1000, strconv.Atoi),
		DefaultWindow:   envParse("RATE_LIMIT_DEFAULT_WINDOW", time.Minute, time.ParseDuration),
		CleanupInterval: envParse("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute, time.ParseDuration),
		Exempt:          parseSet(os.Getenv("RATE_LIMIT_EXEMPT")),
		Blocked:         parseSet(os.Getenv("RATE_LIMIT_BLOCKED")),
		Rules:           DefaultRules(),
	}
}

// DefaultRules returns the per-route allowances applied to each caller.
func DefaultRules() []Rule {
	return []Rule{
		{Route: RouteUpload, Limit: envParse("RATE_LIMIT_UPLOAD_LIMIT", 30, strconv.Atoi), Window: time.Hour, Burst: 5},
		// feed reconnect storms
		{Route: RouteFeed, Limit: 60, Window: time.Minute, Burst: 10},
		// players issue many small range requests while seeking
		{Route: RouteRead, Limit: 3000, Window: time.Minute, Burst: 200},
	}
}

func envParse[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseSet(list string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = true
		}
	}
	return set
}
