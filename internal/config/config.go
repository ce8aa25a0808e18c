package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the licensing service.
type Config struct {
	AppName    string
	AppEnv     string
	AppPort    string
	AppVersion string
	AppSegment string
	Debug      bool

	DatabaseURL string
	RedisURL    string

	LogLevel  string
	LogFormat string

	// ServiceURL is the issuer of licensing tokens.
	ServiceURL   string
	SigningKeyID string
	SigningKey   *ecdsa.PrivateKey
	// VerificationKeys maps a token kid to the PEM encoded public key of
	// the caller allowed to sign with it.
	VerificationKeys         map[string]string
	PermissionsTokenLifetime time.Duration

	TrialWeeks int

	PaginationDefaultSize int
	PaginationMinSize     int
	PaginationMaxSize     int

	StrictSeatCapacity bool

	EventExporter    string
	EventExportBatch int
	EventLockTTL     time.Duration
	NATSURL          string
	NATSSubject      string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

type verificationKey struct {
	Key string `json:"key"`
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("LICENSING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Licensing API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.version", "0.0.0")
	v.SetDefault("app.segment", "")
	v.SetDefault("app.debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("licensing.service_url", "http://localhost:8080")
	v.SetDefault("licensing.kid", "licensing")
	v.SetDefault("permissions.token_lifetime", "10m")
	v.SetDefault("trial.weeks", 4)
	v.SetDefault("pagination.default_size", 50)
	v.SetDefault("pagination.min_size", 1)
	v.SetDefault("pagination.max_size", 500)
	v.SetDefault("seats.strict_capacity", false)
	v.SetDefault("events.exporter", "none")
	v.SetDefault("events.export_batch", 100)
	v.SetDefault("events.lock_ttl", "5m")
	v.SetDefault("nats.subject", "licensing.events")

	lifetime, err := time.ParseDuration(v.GetString("permissions.token_lifetime"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid permissions token lifetime: %w", err)
	}

	lockTTL, err := time.ParseDuration(v.GetString("events.lock_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid event lock ttl: %w", err)
	}

	cfg := Config{
		AppName:                  v.GetString("app.name"),
		AppEnv:                   v.GetString("app.env"),
		AppPort:                  v.GetString("app.port"),
		AppVersion:               v.GetString("app.version"),
		AppSegment:               v.GetString("app.segment"),
		Debug:                    v.GetBool("app.debug"),
		DatabaseURL:              v.GetString("database.url"),
		RedisURL:                 v.GetString("redis.url"),
		LogLevel:                 strings.ToLower(v.GetString("log.level")),
		LogFormat:                strings.ToLower(v.GetString("log.format")),
		ServiceURL:               v.GetString("licensing.service_url"),
		SigningKeyID:             v.GetString("licensing.kid"),
		PermissionsTokenLifetime: lifetime,
		TrialWeeks:               v.GetInt("trial.weeks"),
		PaginationDefaultSize:    v.GetInt("pagination.default_size"),
		PaginationMinSize:        v.GetInt("pagination.min_size"),
		PaginationMaxSize:        v.GetInt("pagination.max_size"),
		StrictSeatCapacity:       v.GetBool("seats.strict_capacity"),
		EventExporter:            strings.ToLower(v.GetString("events.exporter")),
		EventExportBatch:         v.GetInt("events.export_batch"),
		EventLockTTL:             lockTTL,
		NATSURL:                  v.GetString("nats.url"),
		NATSSubject:              v.GetString("nats.subject"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	privateKey := unescapePEM(v.GetString("licensing.private_key"))
	if privateKey == "" {
		return Config{}, fmt.Errorf("licensing private key must be provided")
	}
	cfg.SigningKey, err = jwt.ParseECPrivateKeyFromPEM([]byte(privateKey))
	if err != nil {
		return Config{}, fmt.Errorf("invalid licensing private key: %w", err)
	}

	cfg.VerificationKeys, err = parseVerificationKeys(v.GetString("jwt.verification_keys"))
	if err != nil {
		return Config{}, err
	}

	if cfg.TrialWeeks <= 0 {
		cfg.TrialWeeks = 4
	}
	if cfg.PaginationMinSize <= 0 {
		cfg.PaginationMinSize = 1
	}
	if cfg.PaginationMaxSize < cfg.PaginationMinSize {
		cfg.PaginationMaxSize = cfg.PaginationMinSize
	}
	if cfg.PaginationDefaultSize < cfg.PaginationMinSize || cfg.PaginationDefaultSize > cfg.PaginationMaxSize {
		cfg.PaginationDefaultSize = cfg.PaginationMaxSize
	}
	if cfg.EventExportBatch <= 0 {
		cfg.EventExportBatch = 100
	}

	return cfg, nil
}

func parseVerificationKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}

	var decoded map[string]verificationKey
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("invalid jwt verification keys: %w", err)
	}
	for kid, entry := range decoded {
		if entry.Key == "" {
			return nil, fmt.Errorf("jwt verification key %q is empty", kid)
		}
		keys[kid] = unescapePEM(entry.Key)
	}
	return keys, nil
}

// unescapePEM restores newlines of keys passed through single-line env vars.
func unescapePEM(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), `\n`, "\n")
}
