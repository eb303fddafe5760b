// Package config loads the runbookd YAML configuration. The file is decoded
// strictly: unknown keys are CONFIG errors rather than silent no-ops, since
// a typo in a source definition would otherwise quietly disable a backend.
package config

import (
	"bytes"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joestump/runbookd/internal/errs"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Source types recognized in sources[].type.
const (
	TypeFilesystem = "filesystem"
	TypeWiki       = "wiki"
	TypeForge      = "forge"
	TypeHTTP       = "http"
)

// Config is the top-level YAML shape.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Performance PerformanceConfig `yaml:"performance"`
	Sources     []SourceConfig    `yaml:"sources"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	L1        L1Config          `yaml:"l1"`
	L2        L2Config          `yaml:"l2"`
	TTLByType map[string]string `yaml:"ttl_by_type"`
}

// L1Config bounds the in-process cache.
type L1Config struct {
	MaxEntries int    `yaml:"max_entries"`
	DefaultTTL string `yaml:"default_ttl"`
}

// L2Config points at the optional remote KV. An empty URL disables L2.
type L2Config struct {
	URL string `yaml:"url"`
}

// PerformanceConfig bounds fan-out width and per-upstream timeouts.
type PerformanceConfig struct {
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	DefaultTimeoutMS      int `yaml:"default_timeout_ms"`
}

// SourceConfig describes one adapter instance. Exactly one type-specific
// subsection must be present, matching Type.
type SourceConfig struct {
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	Enabled         *bool    `yaml:"enabled"`
	Priority        int      `yaml:"priority"`
	Categories      []string `yaml:"categories"`
	RefreshInterval string   `yaml:"refresh_interval"`
	TimeoutMS       int      `yaml:"timeout_ms"`

	Filesystem *FilesystemConfig `yaml:"filesystem"`
	Wiki       *WikiConfig       `yaml:"wiki"`
	Forge      *ForgeConfig      `yaml:"forge"`
	HTTP       *HTTPConfig       `yaml:"http"`
}

// IsEnabled treats an absent enabled flag as true.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Timeout returns the per-source timeout, falling back to def.
func (s SourceConfig) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return def
}

// FilesystemConfig configures the filesystem adapter.
type FilesystemConfig struct {
	Roots         []string `yaml:"roots"`
	MaxDepth      int      `yaml:"max_depth"`
	Recursive     *bool    `yaml:"recursive"`
	Extensions    []string `yaml:"extensions"`
	MaxFileSizeMB int      `yaml:"max_file_size_mb"`
	Watch         bool     `yaml:"watch"`
}

// WikiConfig configures the wiki adapter. Credentials come from the
// environment, not from this file.
type WikiConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Spaces   []string `yaml:"spaces"`
	AuthType string   `yaml:"auth_type"` // "bearer" or "basic"
}

// ForgeConfig configures the source-forge adapter.
type ForgeConfig struct {
	BaseURL         string   `yaml:"base_url"`
	Owner           string   `yaml:"owner"`
	Repos           []string `yaml:"repos"`
	Organization    string   `yaml:"organization"`
	OrgScanConsent  bool     `yaml:"org_scan_consent"`
	QuotaPercent    int      `yaml:"quota_percent"`
	MaxConcurrent   int      `yaml:"max_concurrent"`
	MinIntervalMS   int      `yaml:"min_interval_ms"`
	MaxReposPerScan int      `yaml:"max_repos_per_scan"`
	MaxFileSizeKB   int      `yaml:"max_file_size_kb"`
	CacheTTL        string   `yaml:"cache_ttl"`
}

// HTTPConfig configures the generic HTTP adapter.
type HTTPConfig struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Auth      HTTPAuthConfig   `yaml:"auth"`
}

// EndpointConfig describes one HTTP endpoint to query.
type EndpointConfig struct {
	Name            string            `yaml:"name"`
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"`       // GET or POST
	ContentType     string            `yaml:"content_type"` // html, json, xml, text, auto
	Selectors       SelectorConfig    `yaml:"selectors"`
	JSONPaths       []string          `yaml:"json_paths"`
	XMLXPaths       []string          `yaml:"xml_xpaths"`
	QueryParams     map[string]string `yaml:"query_params"`
	Body            string            `yaml:"body"`
	Headers         map[string]string `yaml:"headers"`
	TimeoutMS       int               `yaml:"timeout_ms"`
	RateLimitPerMin int               `yaml:"rate_limit"`
	FollowRedirects bool              `yaml:"follow_redirects"`
}

// SelectorConfig holds CSS selectors for HTML extraction.
type SelectorConfig struct {
	Title   string   `yaml:"title"`
	Content string   `yaml:"content"`
	Exclude []string `yaml:"exclude"`
}

// HTTPAuthConfig describes the auth merged into every endpoint call.
type HTTPAuthConfig struct {
	APIKeyHeader string            `yaml:"api_key_header"`
	APIKeyQuery  string            `yaml:"api_key_query"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	BearerEnv    string            `yaml:"bearer_env"`
	BasicUserEnv string            `yaml:"basic_user_env"`
	BasicPassEnv string            `yaml:"basic_pass_env"`
	Headers      map[string]string `yaml:"headers"`
	EnvHeaders   map[string]string `yaml:"env_headers"` // header name -> env var
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfig, err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config. Unknown keys anywhere
// in the document are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errs.Wrap(errs.CodeConfig, err, "parse config")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Cache.L1.MaxEntries == 0 {
		c.Cache.L1.MaxEntries = 1000
	}
	if c.Cache.L1.DefaultTTL == "" {
		c.Cache.L1.DefaultTTL = "1h"
	}
	if c.Performance.MaxConcurrentRequests == 0 {
		c.Performance.MaxConcurrentRequests = 8
	}
	if c.Performance.DefaultTimeoutMS == 0 {
		c.Performance.DefaultTimeoutMS = 5000
	}
}

var nameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return errs.New(errs.CodeConfig, "sources[%d]: name is required", i)
		}
		if !nameRe.MatchString(s.Name) {
			return errs.New(errs.CodeConfig, "source %q: invalid name", s.Name)
		}
		if seen[s.Name] {
			return errs.New(errs.CodeConfig, "source %q: duplicate name", s.Name)
		}
		seen[s.Name] = true

		subs := 0
		for _, present := range []bool{s.Filesystem != nil, s.Wiki != nil, s.Forge != nil, s.HTTP != nil} {
			if present {
				subs++
			}
		}
		if subs > 1 {
			return errs.New(errs.CodeConfig, "source %q: multiple type subsections", s.Name)
		}

		switch s.Type {
		case TypeFilesystem:
			if s.Filesystem == nil || len(s.Filesystem.Roots) == 0 {
				return errs.New(errs.CodeConfig, "source %q: filesystem.roots is required", s.Name)
			}
		case TypeWiki:
			if s.Wiki == nil || s.Wiki.BaseURL == "" {
				return errs.New(errs.CodeConfig, "source %q: wiki.base_url is required", s.Name)
			}
			if at := s.Wiki.AuthType; at != "" && at != "bearer" && at != "basic" {
				return errs.New(errs.CodeConfig, "source %q: wiki.auth_type must be bearer or basic", s.Name)
			}
		case TypeForge:
			if s.Forge == nil {
				return errs.New(errs.CodeConfig, "source %q: forge subsection is required", s.Name)
			}
			if s.Forge.Owner == "" && s.Forge.Organization == "" {
				return errs.New(errs.CodeConfig, "source %q: forge.owner or forge.organization is required", s.Name)
			}
		case TypeHTTP:
			if s.HTTP == nil || len(s.HTTP.Endpoints) == 0 {
				return errs.New(errs.CodeConfig, "source %q: http.endpoints is required", s.Name)
			}
			for _, ep := range s.HTTP.Endpoints {
				if ep.Name == "" || ep.URL == "" {
					return errs.New(errs.CodeConfig, "source %q: endpoints need name and url", s.Name)
				}
				if m := ep.Method; m != "" && m != "GET" && m != "POST" {
					return errs.New(errs.CodeConfig, "source %q: endpoint %q: method must be GET or POST", s.Name, ep.Name)
				}
			}
		default:
			return errs.New(errs.CodeConfig, "source %q: unknown type %q", s.Name, s.Type)
		}
	}
	return nil
}

// TTLFor returns the configured TTL for a cache content type, or def when
// absent or unparsable.
func (c *Config) TTLFor(contentType string, def time.Duration) time.Duration {
	raw, ok := c.Cache.TTLByType[contentType]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Secret kinds resolvable from the environment.
const (
	SecretToken    = "TOKEN"
	SecretUsername = "USERNAME"
	SecretPassword = "PASSWORD"
)

// Secret resolves {NAME}_{KIND} from the environment for an adapter. The
// adapter name is upper-cased with non-alphanumerics collapsed to
// underscores ("ops-wiki" -> OPS_WIKI_TOKEN). A missing secret is a CONFIG
// error: adapters check this during Initialize, never mid-query.
func Secret(adapterName, kind string) (string, error) {
	envName := envPrefix(adapterName) + "_" + kind
	v := os.Getenv(envName)
	if v == "" {
		return "", errs.New(errs.CodeConfig, "environment variable %s is not set", envName)
	}
	return v, nil
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

func envPrefix(name string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToUpper(name), "_"), "_")
}

// Runtime holds process-level settings read from viper, which merges flag
// values, RUNBOOKD_* env vars, and defaults (set up by the cobra command
// in cmd/runbookd).
type Runtime struct {
	ConfigPath string
	Port       int
	LogLevel   string
	MCPMode    bool
	StateDir   string
}

// LoadRuntime reads the process-level settings from viper.
func LoadRuntime() Runtime {
	return Runtime{
		ConfigPath: viper.GetString("config"),
		Port:       viper.GetInt("port"),
		LogLevel:   viper.GetString("log_level"),
		MCPMode:    viper.GetBool("mcp"),
		StateDir:   viper.GetString("state_dir"),
	}
}

var cacheTTLRe = regexp.MustCompile(`^(\d+)([hm])$`)

// ParseCacheTTL parses the forge cache_ttl grammar: a positive integer
// followed by h or m. Anything else yields the 4 hour default.
func ParseCacheTTL(raw string) time.Duration {
	const def = 4 * time.Hour
	m := cacheTTLRe.FindStringSubmatch(raw)
	if m == nil {
		return def
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return def
	}
	if m[2] == "h" {
		return time.Duration(n) * time.Hour
	}
	return time.Duration(n) * time.Minute
}
