// Package config loads application configuration from environment variables.
// Configuration is read once at startup and passed explicitly to the services
// that need it, so thresholds can be overridden per test.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minTokenSecretBytes is the minimum secret length accepted in production.
const minTokenSecretBytes = 32

// devTokenSecret is only ever used outside production.
const devTokenSecret = "dev-only-change-me"

// Config holds all application configuration.
type Config struct {
	Environment string
	WebOrigin   string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Cookie      CookieConfig
	Google      GoogleConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the rate-limiter backend configuration. An empty Addr
// means no distributed backend is configured.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds the account-security knobs for the auth service.
type AuthConfig struct {
	TokenSecret             string
	TokenExpiry             time.Duration
	StateSecret             string
	StateTTL                time.Duration
	ResetTokenPepper        string
	BackupCodePepper        string
	MaxFailedLoginAttempts  int
	LockoutDuration         time.Duration
	MaxIPAttemptsPerWindow  int
	IPAttemptWindow         time.Duration
	PasswordResetExpiry     time.Duration
	ExposeResetToken        bool
	MFAIssuer               string
	RequireDistributedLimit bool
}

// CookieConfig holds session and CSRF cookie attributes.
type CookieConfig struct {
	AuthName string
	CSRFName string
	Domain   string
	SameSite string
	Secure   bool
}

// GoogleConfig holds the OAuth client configuration for Google federation.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Prompt       string
	AccessType   string
}

// Load reads configuration from environment variables.
func Load() *Config {
	env := getEnv("APP_ENV", "development")
	isProduction := env == "production"

	tokenSecret := strings.TrimSpace(os.Getenv("AUTH_TOKEN_SECRET"))
	if tokenSecret == "" {
		tokenSecret = devTokenSecret
	}
	stateSecret := strings.TrimSpace(os.Getenv("GOOGLE_OAUTH_STATE_SECRET"))
	if stateSecret == "" {
		// The OAuth state secret may be shared with the token secret.
		stateSecret = tokenSecret
	}

	return &Config{
		Environment: env,
		WebOrigin:   getEnv("WEB_ORIGIN", "http://localhost:3000"),
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "vendrman"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			TokenSecret:             tokenSecret,
			TokenExpiry:             time.Duration(getPositiveIntEnv("AUTH_TOKEN_EXPIRES_IN_SECONDS", 604800)) * time.Second,
			StateSecret:             stateSecret,
			StateTTL:                time.Duration(getPositiveIntEnv("GOOGLE_OAUTH_STATE_TTL_SECONDS", 600)) * time.Second,
			ResetTokenPepper:        getSecretWithDevFallback("AUTH_RESET_TOKEN_PEPPER", "dev-reset-token-pepper-change-me", isProduction),
			BackupCodePepper:        getSecretWithDevFallback("AUTH_BACKUP_CODE_PEPPER", "dev-backup-code-pepper-change-me", isProduction),
			MaxFailedLoginAttempts:  getPositiveIntEnv("AUTH_MAX_FAILED_LOGIN_ATTEMPTS", 5),
			LockoutDuration:         time.Duration(getPositiveIntEnv("AUTH_LOCKOUT_MINUTES", 15)) * time.Minute,
			MaxIPAttemptsPerWindow:  getPositiveIntEnv("AUTH_MAX_LOGIN_ATTEMPTS_PER_WINDOW", 20),
			IPAttemptWindow:         time.Duration(getPositiveIntEnv("AUTH_LOGIN_ATTEMPT_WINDOW_SECONDS", 60)) * time.Second,
			PasswordResetExpiry:     time.Duration(getPositiveIntEnv("AUTH_PASSWORD_RESET_EXPIRES_MINUTES", 15)) * time.Minute,
			ExposeResetToken:        getBoolEnv("AUTH_EXPOSE_RESET_TOKEN", false),
			MFAIssuer:               getEnv("AUTH_MFA_ISSUER", "Vendrman"),
			RequireDistributedLimit: getBoolEnv("REQUIRE_DISTRIBUTED_RATE_LIMIT", false) || isProduction,
		},
		Cookie: CookieConfig{
			AuthName: getEnv("AUTH_COOKIE_NAME", "vendrman_auth"),
			CSRFName: getEnv("CSRF_COOKIE_NAME", "vendrman_csrf"),
			Domain:   getEnv("AUTH_COOKIE_DOMAIN", ""),
			SameSite: getEnv("AUTH_COOKIE_SAME_SITE", "lax"),
			Secure:   getBoolEnv("AUTH_COOKIE_SECURE", isProduction),
		},
		Google: GoogleConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_OAUTH_REDIRECT_URI", ""),
			Prompt:       getEnv("GOOGLE_OAUTH_PROMPT", "select_account"),
			AccessType:   getEnv("GOOGLE_OAUTH_ACCESS_TYPE", "online"),
		},
	}
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate enforces the startup invariants that must hold before the service
// accepts traffic. Failures here are configuration errors, not user-facing.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}

	var errs []error
	if len(c.Auth.TokenSecret) < minTokenSecretBytes || c.Auth.TokenSecret == devTokenSecret {
		errs = append(errs, fmt.Errorf("AUTH_TOKEN_SECRET must be set and at least %d characters in production", minTokenSecretBytes))
	}
	if c.Auth.ExposeResetToken {
		errs = append(errs, errors.New("AUTH_EXPOSE_RESET_TOKEN must be off in production"))
	}
	if c.Auth.ResetTokenPepper == "" {
		errs = append(errs, errors.New("AUTH_RESET_TOKEN_PEPPER must be set in production"))
	}
	if c.Auth.BackupCodePepper == "" {
		errs = append(errs, errors.New("AUTH_BACKUP_CODE_PEPPER must be set in production"))
	}
	if c.Auth.RequireDistributedLimit && c.Redis.Addr == "" {
		errs = append(errs, errors.New("distributed rate limiting is required: configure REDIS_ADDR"))
	}
	return errors.Join(errs...)
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getPositiveIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getSecretWithDevFallback(key, fallback string, isProduction bool) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if isProduction {
		// Left empty so Validate reports a hard startup failure.
		return ""
	}
	return fallback
}
