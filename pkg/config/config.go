// Package config loads the proxy configuration from a YAML file and the
// process environment.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/oauth-proxy/pkg/oauth"
)

// Config is the complete proxy configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Storage StorageConfig `yaml:"storage"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OAuthConfig configures the authorization server.
type OAuthConfig struct {
	Issuer               string         `yaml:"issuer"`
	SigningKey           string         `yaml:"signing_key"` // base64; empty means opaque tokens
	DefaultScope         string         `yaml:"default_scope"`
	AccessTokenLifetime  time.Duration  `yaml:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration  `yaml:"refresh_token_lifetime"`
	AuthCodeLifetime     time.Duration  `yaml:"auth_code_lifetime"`
	CleanupInterval      time.Duration  `yaml:"cleanup_interval"`
	Consent              ConsentConfig  `yaml:"consent"`
	Clients              []ClientConfig `yaml:"clients"`
}

// ConsentConfig names the principal that approves authorization requests.
type ConsentConfig struct {
	UserID   string `yaml:"user_id"`
	UserName string `yaml:"user_name"`
}

// ClientConfig defines one registered client.
type ClientConfig struct {
	ID                   string        `yaml:"id"`
	Secret               string        `yaml:"secret"`
	Name                 string        `yaml:"name"`
	Grants               []string      `yaml:"grants"`
	RedirectURIs         []string      `yaml:"redirect_uris"`
	Scopes               []string      `yaml:"scopes"`
	AccessTokenLifetime  time.Duration `yaml:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration `yaml:"refresh_token_lifetime"`
}

// StorageConfig configures token persistence.
type StorageConfig struct {
	TokenFile string `yaml:"token_file"`
}

// ProxyConfig configures the upstream forwarder.
type ProxyConfig struct {
	Upstream      string        `yaml:"upstream"`
	Prefix        string        `yaml:"prefix"`
	RequiredScope string        `yaml:"required_scope"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRedirects  int           `yaml:"max_redirects"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults.
const (
	DefaultAddress              = ":8080"
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultAccessTokenLifetime  = time.Hour
	DefaultRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultAuthCodeLifetime     = 10 * time.Minute
	DefaultCleanupInterval      = 5 * time.Minute
	DefaultTokenFile            = "data/tokens.json"
	DefaultProxyPrefix          = "/api"
	DefaultProxyTimeout         = 30 * time.Second
	DefaultProxyMaxRedirects    = 5
	DefaultConsentUserID        = "demo-user"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// LookupFunc resolves an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads the optional YAML file at path, overlays the process
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig parses a YAML file, expanding ${VAR} references first.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// ApplyEnv overlays environment variables onto the configuration. The
// OAUTH2_* variables define (or override) a single client.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("PORT"); ok {
		c.Server.Address = ":" + v
	}
	if v, ok := get("UPSTREAM_URL"); ok {
		c.Proxy.Upstream = v
	}
	if v, ok := get("PROXY_REQUIRED_SCOPE"); ok {
		c.Proxy.RequiredScope = v
	}
	if v, ok := get("TOKEN_STORE_PATH"); ok {
		c.Storage.TokenFile = v
	}
	if v, ok := get("DEFAULT_SCOPE"); ok {
		c.OAuth.DefaultScope = v
	}
	if v, ok := get("JWT_SIGNING_KEY"); ok {
		c.OAuth.SigningKey = v
	}
	if v, ok := get("OAUTH2_ISSUER"); ok {
		c.OAuth.Issuer = v
	}
	if v, ok := get("CONSENT_USER_ID"); ok {
		c.OAuth.Consent.UserID = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("ACCESS_TOKEN_LIFETIME"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("ACCESS_TOKEN_LIFETIME: %w", err)
		}
		c.OAuth.AccessTokenLifetime = d
	}
	if v, ok := get("REFRESH_TOKEN_LIFETIME"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("REFRESH_TOKEN_LIFETIME: %w", err)
		}
		c.OAuth.RefreshTokenLifetime = d
	}

	id, ok := get("OAUTH2_CLIENT_ID")
	if !ok {
		if _, hasSecret := get("OAUTH2_CLIENT_SECRET"); hasSecret {
			return fmt.Errorf("OAUTH2_CLIENT_SECRET is set but OAUTH2_CLIENT_ID is not")
		}
		return nil
	}

	client := c.client(id)
	if v, ok := get("OAUTH2_CLIENT_SECRET"); ok {
		client.Secret = v
	}
	if v, ok := get("OAUTH2_REDIRECT_URIS"); ok {
		client.RedirectURIs = splitList(v)
	}
	if v, ok := get("OAUTH2_SCOPES"); ok {
		client.Scopes = splitList(v)
	}
	if v, ok := get("OAUTH2_GRANTS"); ok {
		client.Grants = splitList(v)
	}
	if len(client.Grants) == 0 {
		client.Grants = []string{oauth.GrantClientCredentials, oauth.GrantRefreshToken}
		if len(client.RedirectURIs) > 0 {
			client.Grants = append([]string{oauth.GrantAuthorizationCode}, client.Grants...)
		}
	}
	return nil
}

// client returns the configured client with id, adding it when absent.
func (c *Config) client(id string) *ClientConfig {
	for i := range c.OAuth.Clients {
		if c.OAuth.Clients[i].ID == id {
			return &c.OAuth.Clients[i]
		}
	}
	c.OAuth.Clients = append(c.OAuth.Clients, ClientConfig{ID: id})
	return &c.OAuth.Clients[len(c.OAuth.Clients)-1]
}

// parseSeconds accepts a whole number of seconds or a Go duration string.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid lifetime %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", v)
	}
	return d, nil
}

// splitList splits a comma or whitespace separated list.
func splitList(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.OAuth.AccessTokenLifetime == 0 {
		c.OAuth.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.OAuth.RefreshTokenLifetime == 0 {
		c.OAuth.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if c.OAuth.AuthCodeLifetime == 0 {
		c.OAuth.AuthCodeLifetime = DefaultAuthCodeLifetime
	}
	if c.OAuth.CleanupInterval == 0 {
		c.OAuth.CleanupInterval = DefaultCleanupInterval
	}
	if c.OAuth.Consent.UserID == "" {
		c.OAuth.Consent.UserID = DefaultConsentUserID
	}
	if c.Storage.TokenFile == "" {
		c.Storage.TokenFile = DefaultTokenFile
	}
	if c.Proxy.Prefix == "" {
		c.Proxy.Prefix = DefaultProxyPrefix
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = DefaultProxyTimeout
	}
	if c.Proxy.MaxRedirects == 0 {
		c.Proxy.MaxRedirects = DefaultProxyMaxRedirects
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if len(c.OAuth.Clients) == 0 {
		errs = append(errs, "at least one client is required (set OAUTH2_CLIENT_ID and OAUTH2_CLIENT_SECRET)")
	}
	for i, cl := range c.OAuth.Clients {
		if cl.ID == "" {
			errs = append(errs, fmt.Sprintf("oauth.clients[%d].id is required", i))
		}
		if cl.Secret == "" {
			errs = append(errs, fmt.Sprintf("client secret is required for client %q", cl.ID))
		}
	}

	if c.Proxy.Upstream == "" {
		errs = append(errs, "proxy.upstream is required (set UPSTREAM_URL)")
	} else if u, err := url.Parse(c.Proxy.Upstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("proxy.upstream must be an absolute http(s) URL, got %q", c.Proxy.Upstream))
	}
	if !strings.HasPrefix(c.Proxy.Prefix, "/") {
		errs = append(errs, "proxy.prefix must start with /")
	}

	if c.OAuth.SigningKey != "" {
		if key, err := c.SigningKeyBytes(); err != nil {
			errs = append(errs, err.Error())
		} else if len(key) < 32 {
			errs = append(errs, "oauth.signing_key must decode to at least 32 bytes")
		}
	}
	if c.OAuth.AccessTokenLifetime < 0 || c.OAuth.RefreshTokenLifetime < 0 || c.OAuth.AuthCodeLifetime < 0 {
		errs = append(errs, "token lifetimes must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SigningKeyBytes decodes the JWT signing key. Nil means opaque tokens.
func (c *Config) SigningKeyBytes() ([]byte, error) {
	if c.OAuth.SigningKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.OAuth.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("oauth.signing_key is not valid base64: %w", err)
	}
	return key, nil
}

// ClientSpecs converts the configured clients for the registry.
func (c *Config) ClientSpecs() []oauth.ClientSpec {
	specs := make([]oauth.ClientSpec, 0, len(c.OAuth.Clients))
	for _, cl := range c.OAuth.Clients {
		specs = append(specs, oauth.ClientSpec{
			ID:                   cl.ID,
			Secret:               cl.Secret,
			Name:                 cl.Name,
			GrantTypes:           cl.Grants,
			RedirectURIs:         cl.RedirectURIs,
			Scopes:               cl.Scopes,
			AccessTokenLifetime:  cl.AccessTokenLifetime,
			RefreshTokenLifetime: cl.RefreshTokenLifetime,
		})
	}
	return specs
}
