package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Persistence
	DataDir            string
	LegacyAccountsFile string
	WatchAccountsFile  bool

	// Security
	EncryptionKey string

	// Upstream API
	UpstreamBaseURL string
	RequestTimeout  time.Duration
	ConnectTimeout  time.Duration
	OutboundProxy   string

	// OAuth
	OAuthClientID     string
	OAuthTokenURL     string
	OAuthAuthorizeURL string
	OAuthRedirectURI  string
	OAuthScope        string
	OAuthTimeout      time.Duration

	// Rotation
	MaxRotationAttempts int
	RateLimitFallback   time.Duration

	// Refresh scheduler
	RefreshLeadTime    time.Duration
	RefreshConcurrency int

	// Housekeeping
	SweepInterval time.Duration

	// Logging
	LogLevel string
}

func Load() *Config {
	dataDir := envOr("DATA_DIR", "./data")
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DataDir:            dataDir,
		LegacyAccountsFile: envOr("LEGACY_ACCOUNTS_FILE", filepath.Join(dataDir, "accounts.json")),
		WatchAccountsFile:  envBool("WATCH_ACCOUNTS_FILE", true),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		UpstreamBaseURL: envOr("UPSTREAM_BASE_URL", "https://api.anthropic.com"),
		RequestTimeout:  envSeconds("REQUEST_TIMEOUT", 600*time.Second),
		ConnectTimeout:  envSeconds("CONNECT_TIMEOUT", 10*time.Second),
		OutboundProxy:   envOr("OUTBOUND_PROXY", ""),

		OAuthClientID:     envOr("OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		OAuthTokenURL:     envOr("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
		OAuthAuthorizeURL: envOr("OAUTH_AUTHORIZE_URL", "https://claude.ai/oauth/authorize"),
		OAuthRedirectURI:  envOr("OAUTH_REDIRECT_URI", "https://console.anthropic.com/oauth/code/callback"),
		OAuthScope:        envOr("OAUTH_SCOPE", "org:create_api_key user:profile user:inference"),
		OAuthTimeout:      envSeconds("OAUTH_TIMEOUT", 30*time.Second),

		MaxRotationAttempts: envInt("MAX_ROTATION_ATTEMPTS", 3),
		RateLimitFallback:   envSeconds("RATE_LIMIT_FALLBACK", 3600*time.Second),

		RefreshLeadTime:    envSeconds("REFRESH_LEAD_TIME", 300*time.Second),
		RefreshConcurrency: envInt("REFRESH_CONCURRENCY", 4),

		SweepInterval: envSeconds("SWEEP_INTERVAL", 60*time.Second),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if u, err := url.Parse(c.UpstreamBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return &configError{msg: "invalid UPSTREAM_BASE_URL: " + c.UpstreamBaseURL}
	}
	if c.MaxRotationAttempts < 1 {
		return &configError{msg: "MAX_ROTATION_ATTEMPTS must be >= 1"}
	}
	if c.RefreshConcurrency < 1 {
		return &configError{msg: "REFRESH_CONCURRENCY must be >= 1"}
	}
	return nil
}

// StorePath is the SQLite database file inside the data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "rotator.db")
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func errMissing(f string) error {
	return &configError{msg: fmt.Sprintf("missing required env: %s", f)}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envSeconds reads a duration expressed as integer seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
