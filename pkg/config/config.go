// Package config provides unified configuration for restgate.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Precedence: env vars > config file > defaults.
package config

import "time"

// EnvPrefix prefixes every environment override, e.g. RESTGATE_SERVER_ADDR.
const EnvPrefix = "RESTGATE_"

// Config is the top-level configuration for restgate.
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Auth          AuthConfig          `yaml:"auth" envPrefix:"AUTH_"`
	Tickets       TicketsConfig       `yaml:"tickets" envPrefix:"TICKETS_"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"LOG_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig holds HTTP listener and proxy settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// ProxyMode is one of "disabled", "optional", "required" or "forwarded".
	ProxyMode string `yaml:"proxy_mode" env:"PROXY_MODE"`

	// TrustedProxies lists CIDRs or addresses allowed to assert the client
	// address. Required for every mode except "disabled".
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// ForwardedHeader overrides the header read in forwarded mode.
	ForwardedHeader string `yaml:"forwarded_header" env:"FORWARDED_HEADER"`
}

// AuthConfig holds bearer token, signing key and admission settings.
type AuthConfig struct {
	Audience string `yaml:"audience" env:"AUDIENCE"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`

	// SigningSecret seeds the first signing key. When empty a random key is
	// generated at startup and tokens do not survive a restart.
	SigningSecret     string `yaml:"signing_secret" env:"SIGNING_SECRET"`
	SigningSecretFile string `yaml:"signing_secret_file" env:"SIGNING_SECRET_FILE"`

	// KeyGracePeriod keeps retired keys valid for verification. It must
	// cover TokenMaxTTL so rotation never cuts a token short.
	KeyGracePeriod   time.Duration `yaml:"key_grace_period" env:"KEY_GRACE_PERIOD"`
	KeyHistory       int           `yaml:"key_history" env:"KEY_HISTORY"`
	RotationInterval time.Duration `yaml:"rotation_interval" env:"ROTATION_INTERVAL"`

	TokenDefaultTTL time.Duration `yaml:"token_default_ttl" env:"TOKEN_DEFAULT_TTL"`
	TokenMaxTTL     time.Duration `yaml:"token_max_ttl" env:"TOKEN_MAX_TTL"`

	// Providers is the chain order. Known names: "token", "ticket".
	Providers []string `yaml:"providers" env:"PROVIDERS" envSeparator:","`

	FailureLimit FailureLimitConfig `yaml:"failure_limit" envPrefix:"FAILURE_LIMIT_"`
}

// FailureLimitConfig bounds failed authentication attempts per client.
type FailureLimitConfig struct {
	// Burst is the number of failures allowed before limiting. Zero
	// disables the limiter.
	Burst  int           `yaml:"burst" env:"BURST"`
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// TicketsConfig holds ticket lifetime and table backend settings.
type TicketsConfig struct {
	// Store is "memory", "postgres" or "redis".
	Store         string         `yaml:"store" env:"STORE"`
	MaxTickets    int            `yaml:"max_tickets" env:"MAX_TICKETS"`
	DefaultTTL    time.Duration  `yaml:"default_ttl" env:"DEFAULT_TTL"`
	MaxTTL        time.Duration  `yaml:"max_ttl" env:"MAX_TTL"`
	SweepInterval time.Duration  `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	Postgres      PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Redis         RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn" env:"DSN"`
	DSNFile        string `yaml:"dsn_file" env:"DSN_FILE"`
	MaxConns       int32  `yaml:"max_conns" env:"MAX_CONNS"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"MIGRATE_ON_START"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	PasswordFile string `yaml:"password_file" env:"PASSWORD_FILE"`
	DB           int    `yaml:"db" env:"DB"`
	KeyPrefix    string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`

	// Debug is a comma-separated list of debug categories. RESTGATE_DEBUG
	// is read directly by the debug package.
	Debug string `yaml:"debug"`
}

// ObservabilityConfig holds metrics settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			ProxyMode:         "disabled",
		},
		Auth: AuthConfig{
			Audience:        "restgate",
			KeyGracePeriod:  25 * time.Hour,
			KeyHistory:      8,
			TokenDefaultTTL: time.Hour,
			TokenMaxTTL:     24 * time.Hour,
			Providers:       []string{"token", "ticket"},
			FailureLimit: FailureLimitConfig{
				Burst:  20,
				Window: time.Minute,
			},
		},
		Tickets: TicketsConfig{
			Store:         "memory",
			MaxTickets:    100000,
			DefaultTTL:    30 * time.Second,
			MaxTTL:        5 * time.Minute,
			SweepInterval: time.Minute,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
			Redis: RedisConfig{
				KeyPrefix: "restgate:ticket:",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}
