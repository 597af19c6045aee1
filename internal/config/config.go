package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`
	Engine struct {
		AsyncWorkers    int           `mapstructure:"async_workers"`
		RetryOnConflict bool          `mapstructure:"retry_on_conflict"`
		DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	} `mapstructure:"engine"`
	Auth struct {
		OktaDomain      string           `mapstructure:"okta_domain"`
		ClientID        string           `mapstructure:"client_id"`
		ClientSecret    string           `mapstructure:"client_secret"`
		RedirectURL     string           `mapstructure:"redirect_url"`
		SwaggerClientID string           `mapstructure:"swagger_client_id"`
		RolesClaim      string           `mapstructure:"roles_claim"`
		DevRoles        []string         `mapstructure:"dev_roles"`
		RoleAssignments []RoleAssignment `mapstructure:"role_assignments"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// RoleAssignment grants workflow roles to one user. Emails are list values,
// not map keys, because viper splits keys on dots.
type RoleAssignment struct {
	Email string   `mapstructure:"email"`
	Roles []string `mapstructure:"roles"`
}

// RoleTable returns the role assignments keyed by email. Repeated emails
// accumulate their roles.
func (c *Config) RoleTable() map[string][]string {
	table := make(map[string][]string, len(c.Auth.RoleAssignments))
	for _, a := range c.Auth.RoleAssignments {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" {
			continue
		}
		table[email] = append(table[email], a.Roles...)
	}
	return table
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "proposals")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "proposal-workflow")
	v.SetDefault("engine.async_workers", 8)
	v.SetDefault("engine.retry_on_conflict", true)
	v.SetDefault("engine.drain_timeout", 30*time.Second)
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")
	v.SetDefault("auth.roles_claim", "roles")
	v.SetDefault("auth.dev_roles", []string{})
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "certs/server.crt")
	v.SetDefault("tls.key_file", "certs/server.key")
	v.SetDefault("tls.hostnames", []string{"localhost"})
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error. Environment variables such as ENGINE_ASYNC_WORKERS override
// file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.Storage.Driver = strings.ToLower(strings.TrimSpace(config.Storage.Driver))

	switch config.Storage.Driver {
	case DriverMemory, DriverPostgres, DriverRedis:
	default:
		return nil, fmt.Errorf("unknown storage driver %q", config.Storage.Driver)
	}
	return &config, nil
}

// normalizeOktaIssuer strips whitespace and a trailing slash so the issuer
// can be pasted from the Okta admin console as-is.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
