package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	JWT         JWTConfig
	OIDC        OIDCConfig
	ForwardAuth ForwardAuthConfig
	RateLimit   RateLimitConfig
	Payment     PaymentConfig
	Escrow      EscrowConfig
	R2          R2Config
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig selects the persistence backend: memory, redis or postgres
type StoreConfig struct {
	Driver string
}

type PostgresConfig struct {
	URL      string
	MaxConns int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// OIDCConfig points at the identity provider whose JWKS signs access tokens
type OIDCConfig struct {
	ClientID string
	Issuer   string
	// RoleClaim names the claim carrying the caller's roles. It may hold a
	// string, a list, or an object keyed by role name.
	RoleClaim    string
	BusinessRole string
	WorkerRole   string
}

type ForwardAuthConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	JobsPerHour       int
	CompletionsPerMin int
	ReleasesPerHour   int
}

// PaymentConfig configures the external payment gateway. An empty GatewayURL
// selects the simulated gateway.
type PaymentConfig struct {
	GatewayURL            string
	APIKey                string
	TimeoutSeconds        int
	BreakerFailures       int
	BreakerTimeoutSeconds int
}

type EscrowConfig struct {
	// HonorManualRelease stops authorized completions from releasing funds when the
	// job's autoReleaseOnCompletion is off; the business then releases explicitly.
	HonorManualRelease bool
	LockTTLSeconds     int
	AssignWaitSeconds  int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("PAYMENT_GATEWAY_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("store.driver", "STORE_DRIVER")
	_ = viper.BindEnv("postgres.url", "DATABASE_URL")
	_ = viper.BindEnv("postgres.max_conns", "DB_MAX_CONNS")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.role_claim", "OIDC_ROLE_CLAIM")
	_ = viper.BindEnv("oidc.business_role", "OIDC_BUSINESS_ROLE")
	_ = viper.BindEnv("oidc.worker_role", "OIDC_WORKER_ROLE")
	_ = viper.BindEnv("forward_auth.enabled", "FORWARD_AUTH_ENABLED")
	_ = viper.BindEnv("ratelimit.jobs_per_hour", "RATELIMIT_JOBS_PER_HOUR")
	_ = viper.BindEnv("ratelimit.completions_per_min", "RATELIMIT_COMPLETIONS_PER_MIN")
	_ = viper.BindEnv("ratelimit.releases_per_hour", "RATELIMIT_RELEASES_PER_HOUR")
	_ = viper.BindEnv("payment.gateway_url", "PAYMENT_GATEWAY_URL")
	_ = viper.BindEnv("payment.api_key", "PAYMENT_GATEWAY_API_KEY")
	_ = viper.BindEnv("payment.timeout_seconds", "PAYMENT_GATEWAY_TIMEOUT")
	_ = viper.BindEnv("payment.breaker_failures", "PAYMENT_BREAKER_FAILURES")
	_ = viper.BindEnv("payment.breaker_timeout_seconds", "PAYMENT_BREAKER_TIMEOUT")
	_ = viper.BindEnv("escrow.honor_manual_release", "ESCROW_HONOR_MANUAL_RELEASE")
	_ = viper.BindEnv("escrow.lock_ttl_seconds", "ESCROW_LOCK_TTL")
	_ = viper.BindEnv("escrow.assign_wait_seconds", "ESCROW_ASSIGN_WAIT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("store.driver", "redis")
	viper.SetDefault("postgres.max_conns", 10)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.jobs_per_hour", 30)
	viper.SetDefault("ratelimit.completions_per_min", 10)
	viper.SetDefault("ratelimit.releases_per_hour", 20)

	// Payment gateway defaults
	viper.SetDefault("payment.timeout_seconds", 20)
	viper.SetDefault("payment.breaker_failures", 5)
	viper.SetDefault("payment.breaker_timeout_seconds", 30)

	// Escrow defaults
	viper.SetDefault("escrow.honor_manual_release", false)
	viper.SetDefault("escrow.lock_ttl_seconds", 60)
	viper.SetDefault("escrow.assign_wait_seconds", 10)

	viper.SetDefault("oidc.role_claim", "roles")
	viper.SetDefault("oidc.business_role", "business")
	viper.SetDefault("oidc.worker_role", "worker")

	viper.SetDefault("forward_auth.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(viper.GetString("store.driver")),
		},
		Postgres: PostgresConfig{
			URL:      viper.GetString("postgres.url"),
			MaxConns: viper.GetInt("postgres.max_conns"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			ClientID: viper.GetString("oidc.client_id"),
			Issuer:   viper.GetString("oidc.issuer"),

			RoleClaim:    viper.GetString("oidc.role_claim"),
			BusinessRole: viper.GetString("oidc.business_role"),
			WorkerRole:   viper.GetString("oidc.worker_role"),
		},
		ForwardAuth: ForwardAuthConfig{
			Enabled: viper.GetBool("forward_auth.enabled"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour:       viper.GetInt("ratelimit.jobs_per_hour"),
			CompletionsPerMin: viper.GetInt("ratelimit.completions_per_min"),
			ReleasesPerHour:   viper.GetInt("ratelimit.releases_per_hour"),
		},
		Payment: PaymentConfig{
			GatewayURL:            viper.GetString("payment.gateway_url"),
			APIKey:                viper.GetString("payment.api_key"),
			TimeoutSeconds:        viper.GetInt("payment.timeout_seconds"),
			BreakerFailures:       viper.GetInt("payment.breaker_failures"),
			BreakerTimeoutSeconds: viper.GetInt("payment.breaker_timeout_seconds"),
		},
		Escrow: EscrowConfig{
			HonorManualRelease: viper.GetBool("escrow.honor_manual_release"),
			LockTTLSeconds:     viper.GetInt("escrow.lock_ttl_seconds"),
			AssignWaitSeconds:  viper.GetInt("escrow.assign_wait_seconds"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
