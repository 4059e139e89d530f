package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"shiftsync/internal/policy"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" toml:"port"`
		Origin string `yaml:"origin" toml:"origin"`
	} `yaml:"server" toml:"server"`

	Storage struct {
		Path  string `yaml:"path" toml:"path"`
		Cache struct {
			Max string `yaml:"max" toml:"max"`
		} `yaml:"cache" toml:"cache"`
	} `yaml:"storage" toml:"storage"`

	Endpoints []EndpointRule `yaml:"endpoints" toml:"endpoints"`
	Mutations []MutationRule `yaml:"mutations" toml:"mutations"`

	// Views are reloaded from the server after every drain cycle.
	Views []string `yaml:"views" toml:"views"`

	Connectivity struct {
		ProbePath    string `yaml:"probePath" toml:"probePath"`
		ProbeTimeout string `yaml:"probeTimeout" toml:"probeTimeout"`
		ProbeEvery   string `yaml:"probeEvery" toml:"probeEvery"`
	} `yaml:"connectivity" toml:"connectivity"`

	Sync struct {
		MaxRetries int     `yaml:"maxRetries" toml:"maxRetries"`
		PollEvery  string  `yaml:"pollEvery" toml:"pollEvery"`
		BatchPath  string  `yaml:"batchPath" toml:"batchPath"`
		MaxQueue   int     `yaml:"maxQueue" toml:"maxQueue"`
		ReplayRate float64 `yaml:"replayRate" toml:"replayRate"`
	} `yaml:"sync" toml:"sync"`

	Credential struct {
		Token     string `yaml:"token" toml:"token"`
		TokenFile string `yaml:"tokenFile" toml:"tokenFile"`
	} `yaml:"credential" toml:"credential"`

	Logging struct {
		Level         string `yaml:"level" toml:"level"`
		Development   bool   `yaml:"development" toml:"development"`
		LogStatsEvery string `yaml:"logStatsEvery" toml:"logStatsEvery"`
	} `yaml:"logging" toml:"logging"`

	Telemetry struct {
		OTLPEndpoint string `yaml:"otlpEndpoint" toml:"otlpEndpoint"`
	} `yaml:"telemetry" toml:"telemetry"`

	// compiled
	cacheMax      int64
	probeTimeout  time.Duration
	probeEvery    time.Duration
	pollEvery     time.Duration
	logStatsEvery time.Duration
	table         *policy.Table
	invalidations *policy.Invalidations
}

type EndpointRule struct {
	Match                string `yaml:"match" toml:"match"`
	Strategy             string `yaml:"strategy" toml:"strategy"`
	TTL                  string `yaml:"ttl" toml:"ttl"`
	OfflineSupport       bool   `yaml:"offlineSupport" toml:"offlineSupport"`
	BackgroundSync       bool   `yaml:"backgroundSync" toml:"backgroundSync"`
	StaleWhileRevalidate bool   `yaml:"staleWhileRevalidate" toml:"staleWhileRevalidate"`
}

type MutationRule struct {
	Match       string   `yaml:"match" toml:"match"`
	Type        string   `yaml:"type" toml:"type"`
	Invalidates []string `yaml:"invalidates" toml:"invalidates"`
}

type envOverrides struct {
	Origin       string `env:"SHIFTSYNC_ORIGIN"`
	Port         int    `env:"SHIFTSYNC_PORT"`
	DataDir      string `env:"SHIFTSYNC_DATA_DIR"`
	Token        string `env:"SHIFTSYNC_TOKEN"`
	LogLevel     string `env:"SHIFTSYNC_LOG_LEVEL"`
	OTLPEndpoint string `env:"SHIFTSYNC_OTLP_ENDPOINT"`
}

// Load reads the file at path (yaml, or toml when the extension is .toml),
// applies SHIFTSYNC_* environment overrides, then validates and compiles it.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(b, format)
}

func Parse(b []byte, format string) (Config, error) {
	var cfg Config
	switch format {
	case "toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyEnv(ov)

	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(ov envOverrides) {
	if ov.Origin != "" {
		c.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		c.Server.Port = ov.Port
	}
	if ov.DataDir != "" {
		c.Storage.Path = ov.DataDir
	}
	if ov.Token != "" {
		c.Credential.Token = ov.Token
	}
	if ov.LogLevel != "" {
		c.Logging.Level = ov.LogLevel
	}
	if ov.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = ov.OTLPEndpoint
	}
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.Cache.Max == "" {
		c.Storage.Cache.Max = "50mb"
	}
	max, err := ParseBytes(c.Storage.Cache.Max)
	if err != nil {
		return fmt.Errorf("storage.cache.max: %w", err)
	}
	c.cacheMax = max

	if c.Connectivity.ProbePath == "" {
		c.Connectivity.ProbePath = "/health"
	}
	if c.probeTimeout, err = durationOr(c.Connectivity.ProbeTimeout, 3*time.Second); err != nil {
		return fmt.Errorf("connectivity.probeTimeout: %w", err)
	}
	if c.probeEvery, err = durationOr(c.Connectivity.ProbeEvery, 30*time.Second); err != nil {
		return fmt.Errorf("connectivity.probeEvery: %w", err)
	}
	if c.pollEvery, err = durationOr(c.Sync.PollEvery, 30*time.Second); err != nil {
		return fmt.Errorf("sync.pollEvery: %w", err)
	}
	if c.logStatsEvery, err = durationOr(c.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.MaxQueue <= 0 {
		c.Sync.MaxQueue = 1000
	}
	if c.Sync.ReplayRate <= 0 {
		c.Sync.ReplayRate = 10
	}

	rules := make([]policy.Rule, 0, len(c.Endpoints))
	for i, e := range c.Endpoints {
		prefixes, err := parseMatch(e.Match)
		if err != nil {
			return fmt.Errorf("endpoints[%d].match: %w", i, err)
		}
		p := policy.Policy{
			OfflineSupport:       e.OfflineSupport,
			BackgroundSync:       e.BackgroundSync,
			StaleWhileRevalidate: e.StaleWhileRevalidate,
			TTL:                  policy.Default.TTL,
		}
		if p.Strategy, err = policy.ParseStrategy(e.Strategy); err != nil {
			return fmt.Errorf("endpoints[%d].strategy: %w", i, err)
		}
		if e.TTL != "" {
			if p.TTL, err = time.ParseDuration(e.TTL); err != nil {
				return fmt.Errorf("endpoints[%d].ttl: %w", i, err)
			}
			if p.TTL < 0 {
				return fmt.Errorf("endpoints[%d].ttl: negative", i)
			}
		}
		rules = append(rules, policy.Rule{Prefixes: prefixes, Policy: p})
	}
	c.table = policy.NewTable(rules, nil)

	inv := make([]policy.InvalidationRule, 0, len(c.Mutations))
	for i, m := range c.Mutations {
		var prefixes []string
		if m.Match != "" {
			if prefixes, err = parseMatch(m.Match); err != nil {
				return fmt.Errorf("mutations[%d].match: %w", i, err)
			}
		}
		if m.Type == "" && len(prefixes) == 0 {
			return fmt.Errorf("mutations[%d]: type or match is required", i)
		}
		inv = append(inv, policy.InvalidationRule{Type: m.Type, Prefixes: prefixes, Patterns: m.Invalidates})
	}
	c.invalidations = policy.NewInvalidations(inv)

	for i, v := range c.Views {
		if !strings.HasPrefix(v, "/") {
			return fmt.Errorf("views[%d]: %q must start with /", i, v)
		}
	}
	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseMatch(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, inside)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (c Config) CacheMaxBytes() int64                 { return c.cacheMax }
func (c Config) ProbeTimeout() time.Duration          { return c.probeTimeout }
func (c Config) ProbeEvery() time.Duration            { return c.probeEvery }
func (c Config) PollEvery() time.Duration             { return c.pollEvery }
func (c Config) LogStatsEvery() time.Duration         { return c.logStatsEvery }
func (c Config) Policies() *policy.Table              { return c.table }
func (c Config) Invalidations() *policy.Invalidations { return c.invalidations }
