package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent kinds select the default TTL band for cacheable responses.
const (
	KindGeneric    = "generic"
	KindGenerative = "generative"
	KindAnalytic   = "analytic"
	KindAdvisory   = "advisory"
	KindLedger     = "ledger"
)

// Rate-limit caller matching modes.
const (
	MatchAny      = "any"
	MatchCombined = "combined"
)

// Config holds all agentgate configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// StoreConfig selects the persistence backend for cache rows and windows.
// Backend is "sqlite" (default) or "redis".
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitConfig controls the per-caller limiter.
type RateLimitConfig struct {
	DefaultRPM int    `yaml:"default_rpm"`
	Match      string `yaml:"match"`
	FailOpen   bool   `yaml:"fail_open"`
}

// SweeperConfig controls the maintenance job.
type SweeperConfig struct {
	Interval        time.Duration `yaml:"interval"`
	WindowRetention time.Duration `yaml:"window_retention"`
}

// AuthConfig controls caller resolution on the HTTP gateway.
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret"`
	AdminRole      string   `yaml:"admin_role"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AgentConfig describes one upstream agent integration.
// A nil CachingEnabled inherits Cache.Enabled; zero RequestsPerMinute and TTL
// fall back to the built-in defaults.
type AgentConfig struct {
	Name              string        `yaml:"name"`
	URL               string        `yaml:"url"`
	Kind              string        `yaml:"kind"`
	CachingEnabled    *bool         `yaml:"caching_enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	TTL               time.Duration `yaml:"ttl"`
}

// builtinAgents carries per-agent defaults for the known integrations.
var builtinAgents = map[string]AgentConfig{
	"image-gen":       {Name: "image-gen", Kind: KindGenerative, RequestsPerMinute: 5},
	"market-analysis": {Name: "market-analysis", Kind: KindAnalytic, RequestsPerMinute: 10},
	"strategy":        {Name: "strategy", Kind: KindAdvisory, RequestsPerMinute: 10},
	"concierge":       {Name: "concierge", Kind: KindLedger, RequestsPerMinute: 15},
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "agentgate.db",
		Store: StoreConfig{
			Backend: "sqlite",
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Cache: CacheConfig{
			Enabled:    true,
			DefaultTTL: time.Hour,
		},
		RateLimit: RateLimitConfig{
			DefaultRPM: 10,
			Match:      MatchAny,
		},
		Sweeper: SweeperConfig{
			Interval:        24 * time.Hour,
			WindowRetention: time.Hour,
		},
		Auth: AuthConfig{
			AdminRole: "admin",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes after environment expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at request time.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.RateLimit.Match {
	case MatchAny, MatchCombined:
	default:
		return fmt.Errorf("config: unknown rate_limit.match %q", c.RateLimit.Match)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("config: agent with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("config: duplicate agent %q", a.Name)
		}
		seen[a.Name] = true
		switch a.Kind {
		case "", KindGeneric, KindGenerative, KindAnalytic, KindAdvisory, KindLedger:
		default:
			return fmt.Errorf("config: agent %q has unknown kind %q", a.Name, a.Kind)
		}
		if a.RequestsPerMinute < 0 {
			return fmt.Errorf("config: agent %q has negative requests_per_minute", a.Name)
		}
	}
	return nil
}

// Agent returns the effective settings for name, merging configured values
// over the built-in defaults.
func (c *Config) Agent(name string) AgentConfig {
	eff, ok := builtinAgents[name]
	if !ok {
		eff = AgentConfig{Name: name, Kind: KindGeneric}
	}
	for _, a := range c.Agents {
		if a.Name != name {
			continue
		}
		if a.URL != "" {
			eff.URL = a.URL
		}
		if a.Kind != "" {
			eff.Kind = a.Kind
		}
		if a.CachingEnabled != nil {
			v := *a.CachingEnabled
			eff.CachingEnabled = &v
		}
		if a.RequestsPerMinute > 0 {
			eff.RequestsPerMinute = a.RequestsPerMinute
		}
		if a.TTL > 0 {
			eff.TTL = a.TTL
		}
	}
	if eff.RequestsPerMinute == 0 {
		eff.RequestsPerMinute = c.RateLimit.DefaultRPM
	}
	return eff
}

// AgentNames lists configured agents in file order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		names = append(names, a.Name)
	}
	return names
}
