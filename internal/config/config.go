package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8443"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	MongoURI     string `env:"MONGO_URI,required"`
	DatabaseName string `env:"DATABASE_NAME" envDefault:"lipc"`

	// Exactly one of JWTKeyFile / JWTKeyPEM must be set; the file wins when
	// both are present.
	JWTKeyFile      string        `env:"JWT_KEY_FILE"`
	JWTKeyPEM       string        `env:"JWT_KEY_PEM"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"lipc-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	ListenAddr  string
	LogLevel    string
	MongoURI    string
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.ListenAddr != "" {
		cfg.ListenAddr = overrides.ListenAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.MongoURI != "" {
		cfg.MongoURI = overrides.MongoURI
	}
	if overrides.TLSCertFile != "" {
		cfg.TLSCertFile = overrides.TLSCertFile
	}
	if overrides.TLSKeyFile != "" {
		cfg.TLSKeyFile = overrides.TLSKeyFile
	}

	return cfg, nil
}
