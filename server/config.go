package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded daemon defaults
const (
	DefaultHTTPTimeout   = 15 * time.Second
	DefaultSessionCookie = "solidauth_session"
)

// Config captures the daemon configuration loaded from YAML and environment
// variables.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Login  LoginConfig  `yaml:"login"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieName      string    `yaml:"cookie_name"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	MinVersion string   `yaml:"min_version"`
}

// LoginConfig describes how the daemon logs sessions in.
type LoginConfig struct {
	// Issuer is the default OIDC issuer when a login request names none.
	Issuer     string `yaml:"issuer"`
	ClientName string `yaml:"client_name"`
	// ClientID and ClientSecret select a statically registered client.
	// Leave them empty to use dynamic registration.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TokenType is "DPoP" or "Bearer".
	TokenType string `yaml:"token_type"`
	KeepAlive bool   `yaml:"keep_alive"`
	// PostLogoutURL is where the issuer sends the user after an
	// RP-initiated logout.
	PostLogoutURL string `yaml:"post_logout_url"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w (check for typos or deprecated fields)", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
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
			CookieName:      DefaultSessionCookie,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".autocert",
				MinVersion: "1.2",
			},
		},
		Login: LoginConfig{
			ClientName: "solidauth",
			TokenType:  "DPoP",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SOLIDAUTH_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SOLIDAUTH_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SOLIDAUTH_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SOLIDAUTH_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SOLIDAUTH_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SOLIDAUTH_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SOLIDAUTH_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SOLIDAUTH_LOGIN_ISSUER":             func(v string) { cfg.Login.Issuer = v },
		"SOLIDAUTH_LOGIN_CLIENT_ID":          func(v string) { cfg.Login.ClientID = v },
		"SOLIDAUTH_LOGIN_CLIENT_SECRET":      func(v string) { cfg.Login.ClientSecret = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
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

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		valid := map[string]bool{"1.2": true, "1.3": true}
		if !valid[c.Server.TLS.MinVersion] {
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}
	switch c.Login.TokenType {
	case "", "DPoP", "Bearer":
	default:
		return fmt.Errorf("login.token_type must be 'DPoP' or 'Bearer', got: %s", c.Login.TokenType)
	}
	if c.Login.ClientSecret != "" && c.Login.ClientID == "" {
		return errors.New("login.client_id is required when login.client_secret is set")
	}
	return nil
}

// RedirectURL is where issuers send users back to.
func (c Config) RedirectURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
}
