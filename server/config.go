package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mobileconnect/sandbox"
)

// Hardcoded session defaults
const (
	DefaultSessionTTL = 12 * time.Hour
	DefaultFlowTTL    = 10 * time.Minute
	DefaultHSTSMaxAge = 31536000
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	MobileConnect MobileConnectConfig `yaml:"mobile_connect"`
	Cache         CacheConfig         `yaml:"cache"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string        `yaml:"public_url"`
	DevListenAddr     string        `yaml:"dev_listen_addr"`
	HTTPListenAddr    string        `yaml:"http_listen_addr"`
	HTTPSListenAddr   string        `yaml:"https_listen_addr"`
	DevMode           bool          `yaml:"dev_mode"`
	CookieDomain      string        `yaml:"cookie_domain"`
	SecretsPath       string        `yaml:"secrets_path"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	TLS               TLSConfig     `yaml:"tls"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// MobileConnectConfig holds the relying party's discovery credentials and
// the authorization request defaults.
type MobileConnectConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	DiscoveryURL string `yaml:"discovery_url"`

	// DiscoveryRedirectURL receives the operator selection redirect.
	// Default: public_url + "/discovery/callback"
	DiscoveryRedirectURL string `yaml:"discovery_redirect_url"`

	// RedirectURL receives the authorization response.
	// Default: public_url + "/callback"
	RedirectURL string `yaml:"redirect_url"`

	Scope          string        `yaml:"scope"`
	AcrValues      string        `yaml:"acr_values"`
	MaxAge         int           `yaml:"max_age"`
	Timeout        time.Duration `yaml:"timeout"`
	CookiesEnabled bool          `yaml:"cookies_enabled"`
	VerifyIDToken  bool          `yaml:"verify_id_token"`
	FetchUserInfo  bool          `yaml:"fetch_userinfo"`
}

// CacheConfig selects the discovery cache backend.
type CacheConfig struct {
	Backend    string      `yaml:"backend"`
	MaxEntries int         `yaml:"max_entries"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig points at the shared Redis cache.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SandboxConfig runs the built-in discovery and operator endpoints next to
// the relying party.
type SandboxConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddr     string `yaml:"listen_addr"`
	sandbox.Config `yaml:",inline"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	sb := sandbox.DefaultConfig()
	sb.PublicURL = "http://127.0.0.1:8090"

	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			SessionTTL:      DefaultSessionTTL,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		MobileConnect: MobileConnectConfig{
			ClientID:       sb.ClientID,
			ClientSecret:   sb.ClientSecret,
			DiscoveryURL:   sb.PublicURL + "/discovery",
			Scope:          "openid phone",
			AcrValues:      "2",
			MaxAge:         3600,
			Timeout:        30 * time.Second,
			CookiesEnabled: true,
			VerifyIDToken:  true,
			FetchUserInfo:  true,
		},
		Cache: CacheConfig{
			Backend:    CacheBackendMemory,
			MaxEntries: 1024,
		},
		Sandbox: SandboxConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8090",
			Config:     sb,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// DiscoveryRedirect returns the operator selection redirect URL.
func (c Config) DiscoveryRedirect() string {
	if c.MobileConnect.DiscoveryRedirectURL != "" {
		return c.MobileConnect.DiscoveryRedirectURL
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/discovery/callback"
}

// AuthRedirect returns the authorization response redirect URL.
func (c Config) AuthRedirect() string {
	if c.MobileConnect.RedirectURL != "" {
		return c.MobileConnect.RedirectURL
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/callback"
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"MC_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"MC_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"MC_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"MC_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"MC_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"MC_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"MC_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"MC_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"MC_SERVER_SESSION_TTL":       func(v string) { cfg.Server.SessionTTL = parseDuration(v, cfg.Server.SessionTTL) },
		"MC_CLIENT_ID":                func(v string) { cfg.MobileConnect.ClientID = v },
		"MC_CLIENT_SECRET":            func(v string) { cfg.MobileConnect.ClientSecret = v },
		"MC_DISCOVERY_URL":            func(v string) { cfg.MobileConnect.DiscoveryURL = v },
		"MC_TIMEOUT":                  func(v string) { cfg.MobileConnect.Timeout = parseDuration(v, cfg.MobileConnect.Timeout) },
		"MC_VERIFY_ID_TOKEN":          func(v string) { cfg.MobileConnect.VerifyIDToken = parseBool(v, cfg.MobileConnect.VerifyIDToken) },
		"MC_CACHE_BACKEND":            func(v string) { cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"MC_CACHE_MAX_ENTRIES":        func(v string) { cfg.Cache.MaxEntries = parseInt(v, cfg.Cache.MaxEntries) },
		"MC_REDIS_ADDR":               func(v string) { cfg.Cache.Redis.Addr = v },
		"MC_REDIS_PASSWORD":           func(v string) { cfg.Cache.Redis.Password = v },
		"MC_REDIS_DB":                 func(v string) { cfg.Cache.Redis.DB = parseInt(v, cfg.Cache.Redis.DB) },
		"MC_SANDBOX_ENABLED":          func(v string) { cfg.Sandbox.Enabled = parseBool(v, cfg.Sandbox.Enabled) },
		"MC_SANDBOX_LISTEN_ADDR":      func(v string) { cfg.Sandbox.ListenAddr = v },
		"MC_SANDBOX_PUBLIC_URL":       func(v string) { cfg.Sandbox.PublicURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain should be a suffix of the public URL host
	if c.Server.CookieDomain != "" {
		host := strings.TrimPrefix(c.Server.PublicURL, "http://")
		host = strings.TrimPrefix(host, "https://")
		if idx := strings.IndexAny(host, ":/"); idx != -1 {
			host = host[:idx]
		}
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host)
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Server.SessionTTL < 0 {
		return fmt.Errorf("server.session_ttl must not be negative, got: %s", c.Server.SessionTTL)
	}

	mc := c.MobileConnect
	if mc.ClientID == "" || mc.ClientSecret == "" {
		slog.Error("Missing required configuration", "field", "mobile_connect.client_id/client_secret")
		return errors.New("mobile_connect.client_id and mobile_connect.client_secret are required")
	}
	if !isHTTPURL(mc.DiscoveryURL) {
		slog.Error("Invalid configuration value", "field", "mobile_connect.discovery_url", "value", mc.DiscoveryURL)
		return fmt.Errorf("mobile_connect.discovery_url must start with http:// or https://, got: %s", mc.DiscoveryURL)
	}
	for field, v := range map[string]string{
		"mobile_connect.discovery_redirect_url": mc.DiscoveryRedirectURL,
		"mobile_connect.redirect_url":           mc.RedirectURL,
	} {
		if v != "" && !isHTTPURL(v) {
			slog.Error("Invalid configuration value", "field", field, "value", v)
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field, v)
		}
	}
	if mc.Timeout < 0 {
		return fmt.Errorf("mobile_connect.timeout must not be negative, got: %s", mc.Timeout)
	}
	if mc.MaxAge < 0 {
		return fmt.Errorf("mobile_connect.max_age must not be negative, got: %d", mc.MaxAge)
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendNone, "":
	case CacheBackendRedis:
		if c.Cache.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "cache.redis.addr")
			return errors.New("cache.redis.addr is required when cache.backend is redis")
		}
	default:
		slog.Error("Invalid cache backend", "field", "cache.backend", "value", c.Cache.Backend, "valid_values", []string{CacheBackendMemory, CacheBackendRedis, CacheBackendNone})
		return fmt.Errorf("cache.backend must be one of memory, redis or none, got: %s", c.Cache.Backend)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative, got: %d", c.Cache.MaxEntries)
	}

	if c.Sandbox.Enabled {
		if c.Sandbox.ListenAddr == "" {
			return errors.New("sandbox.listen_addr is required when the sandbox is enabled")
		}
		if err := c.Sandbox.Config.Validate(); err != nil {
			slog.Error("Sandbox configuration invalid", "error", err)
			return fmt.Errorf("sandbox: %w", err)
		}
	}

	return nil
}
