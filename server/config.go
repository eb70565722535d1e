package server

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oidcsession/session"
)

// Session defaults
const (
	DefaultSessionTTL        = 12 * time.Hour
	DefaultSessionCookieName = "oidcsession"
	DefaultRedisKeyPrefix    = "oidcsession:ticket:"
	sessionSecretSize        = 32
)

var schemeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Session SessionConfig  `yaml:"session"`
	Schemes []SchemeConfig `yaml:"schemes"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	SecretsPath       string    `yaml:"secrets_path"`
	TLS               TLSConfig `yaml:"tls"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// SessionConfig controls the session cookie and where its properties live.
type SessionConfig struct {
	CookieName string `yaml:"cookie_name"`
	// Secret is the hex or base64 encoding of 32 random bytes.
	Secret      string            `yaml:"secret"`
	TTL         string            `yaml:"ttl"`
	TicketStore TicketStoreConfig `yaml:"ticket_store"`
}

// TicketStoreConfig selects server side storage of session properties.
// An empty type keeps the properties in the cookie.
type TicketStoreConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig addresses the Redis ticket store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SchemeConfig describes one upstream OIDC provider.
type SchemeConfig struct {
	Name            string             `yaml:"name"`
	Domain          string             `yaml:"domain"`
	ClientID        string             `yaml:"client_id"`
	ClientSecret    string             `yaml:"client_secret"`
	ResponseType    string             `yaml:"response_type"`
	Scope           string             `yaml:"scope"`
	CallbackPath    string             `yaml:"callback_path"`
	Organization    string             `yaml:"organization"`
	MaxAge          string             `yaml:"max_age"`
	LoginParameters map[string]string  `yaml:"login_parameters"`
	AccessToken     *AccessTokenConfig `yaml:"access_token"`
}

// AccessTokenConfig enables the access token add-on for a scheme.
type AccessTokenConfig struct {
	Audience         string `yaml:"audience"`
	Scope            string `yaml:"scope"`
	UseRefreshTokens bool   `yaml:"use_refresh_tokens"`
	CoalesceRefresh  bool   `yaml:"coalesce_refresh"`
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
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Session: SessionConfig{
			CookieName: DefaultSessionCookieName,
			TTL:        DefaultSessionTTL.String(),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
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
		"OIDCSESSION_SERVER_PUBLIC_URL":          func(v string) { cfg.Server.PublicURL = v },
		"OIDCSESSION_SERVER_DEV_LISTEN_ADDR":     func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCSESSION_SERVER_HTTP_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCSESSION_SERVER_HTTPS_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCSESSION_SERVER_DEV_MODE":            func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCSESSION_SERVER_COOKIE_DOMAIN":       func(v string) { cfg.Server.CookieDomain = v },
		"OIDCSESSION_SERVER_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCSESSION_SERVER_TLS_EMAIL":           func(v string) { cfg.Server.TLS.Email = v },
		"OIDCSESSION_SERVER_SECRETS_PATH":        func(v string) { cfg.Server.SecretsPath = v },
		"OIDCSESSION_SESSION_SECRET":             func(v string) { cfg.Session.Secret = v },
		"OIDCSESSION_SESSION_TTL":                func(v string) { cfg.Session.TTL = v },
		"OIDCSESSION_SESSION_TICKET_STORE":       func(v string) { cfg.Session.TicketStore.Type = v },
		"OIDCSESSION_SESSION_REDIS_ADDR":         func(v string) { cfg.Session.TicketStore.Redis.Addr = v },
		"OIDCSESSION_SESSION_REDIS_PASSWORD":     func(v string) { cfg.Session.TicketStore.Redis.Password = v },
		"OIDCSESSION_SERVER_TRUST_PROXY_HEADERS": func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// Per scheme secrets: OIDCSESSION_SCHEME_<NAME>_CLIENT_SECRET.
	for i := range cfg.Schemes {
		key := "OIDCSESSION_SCHEME_" + envName(cfg.Schemes[i].Name) + "_CLIENT_SECRET"
		if val, ok := os.LookupEnv(key); ok {
			cfg.Schemes[i].ClientSecret = val
		}
	}
}

func envName(scheme string) string {
	return strings.ToUpper(strings.ReplaceAll(scheme, "-", "_"))
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

// SessionTTL returns the parsed session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, DefaultSessionTTL)
}

// SecretKey decodes the session sealing key. An empty secret yields nil.
func (s SessionConfig) SecretKey() ([]byte, error) {
	secret := strings.TrimSpace(s.Secret)
	if secret == "" {
		return nil, nil
	}
	if key, err := hex.DecodeString(secret); err == nil && len(key) == sessionSecretSize {
		return key, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(secret); err == nil && len(key) == sessionSecretSize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("session.secret must encode exactly %d bytes as hex or base64", sessionSecretSize)
}

// Options converts the scheme configuration into registry options.
func (sc SchemeConfig) Options() (session.Options, error) {
	opts := session.Options{
		Domain:          strings.TrimSpace(sc.Domain),
		ClientID:        sc.ClientID,
		ClientSecret:    sc.ClientSecret,
		ResponseType:    session.ResponseType(strings.TrimSpace(sc.ResponseType)),
		Scope:           sc.Scope,
		CallbackPath:    sc.CallbackPath,
		Organization:    strings.TrimSpace(sc.Organization),
		LoginParameters: sc.LoginParameters,
	}
	if sc.MaxAge != "" {
		d, err := time.ParseDuration(sc.MaxAge)
		if err != nil {
			return session.Options{}, fmt.Errorf("invalid max_age %q: %w", sc.MaxAge, err)
		}
		opts.MaxAge = &d
	}
	if sc.AccessToken != nil {
		opts.AccessToken = &session.AccessTokenOptions{
			Audience:         sc.AccessToken.Audience,
			Scope:            sc.AccessToken.Scope,
			UseRefreshTokens: sc.AccessToken.UseRefreshTokens,
			CoalesceRefresh:  sc.AccessToken.CoalesceRefresh,
		}
	}
	return opts, nil
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
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

	if c.Server.CookieDomain != "" {
		publicHost := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(publicHost, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", publicHost,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, publicHost)
		}
	}

	if err := c.validateSession(); err != nil {
		return err
	}

	if len(c.Schemes) == 0 {
		slog.Error("No authentication schemes configured", "field", "schemes")
		return errors.New("at least one scheme must be configured")
	}

	names := map[string]bool{}
	callbacks := map[string]string{}
	for i, sc := range c.Schemes {
		if !schemeNamePattern.MatchString(sc.Name) {
			slog.Error("Invalid scheme name", "index", i, "name", sc.Name, "reason", "letters, digits, '-' and '_' only")
			return fmt.Errorf("schemes[%d]: invalid name %q", i, sc.Name)
		}
		if names[sc.Name] {
			slog.Error("Duplicate scheme name", "index", i, "name", sc.Name)
			return fmt.Errorf("schemes[%d]: duplicate name %q", i, sc.Name)
		}
		names[sc.Name] = true

		opts, err := sc.Options()
		if err != nil {
			slog.Error("Invalid scheme configuration", "scheme", sc.Name, "error", err)
			return fmt.Errorf("schemes[%d] (%s): %w", i, sc.Name, err)
		}
		if err := session.NewRegistry().Register(sc.Name, opts); err != nil {
			slog.Error("Invalid scheme configuration", "scheme", sc.Name, "error", err)
			return fmt.Errorf("schemes[%d]: %w", i, err)
		}

		cb := sc.CallbackPath
		if cb == "" {
			cb = session.DefaultCallbackPath
		}
		if other, ok := callbacks[cb]; ok {
			slog.Error("Callback path shared by schemes", "callback_path", cb, "schemes", []string{other, sc.Name})
			return fmt.Errorf("schemes[%d] (%s): callback_path %s already used by %s", i, sc.Name, cb, other)
		}
		callbacks[cb] = sc.Name
	}

	return nil
}

func (c Config) validateSession() error {
	key, err := c.Session.SecretKey()
	if err != nil {
		slog.Error("Invalid session secret", "field", "session.secret", "error", err)
		return err
	}
	if key == nil && !c.Server.DevMode {
		slog.Error("Missing required configuration for production mode", "field", "session.secret")
		return errors.New("session.secret is required in production")
	}

	if c.Session.TTL != "" {
		d, err := time.ParseDuration(c.Session.TTL)
		if err != nil || d <= 0 {
			slog.Error("Invalid session ttl", "field", "session.ttl", "value", c.Session.TTL)
			return fmt.Errorf("session.ttl must be a positive duration, got: %s", c.Session.TTL)
		}
	}

	switch c.Session.TicketStore.Type {
	case "", "memory":
	case "redis":
		if c.Session.TicketStore.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "session.ticket_store.redis.addr")
			return errors.New("session.ticket_store.redis.addr is required for the redis ticket store")
		}
	default:
		slog.Error("Unknown ticket store", "field", "session.ticket_store.type", "value", c.Session.TicketStore.Type, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("session.ticket_store.type must be 'memory' or 'redis', got: %s", c.Session.TicketStore.Type)
	}
	return nil
}

// Scheme returns the configuration of the named scheme.
func (c Config) Scheme(name string) (SchemeConfig, bool) {
	for _, sc := range c.Schemes {
		if sc.Name == name {
			return sc, true
		}
	}
	return SchemeConfig{}, false
}

func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
