// Package config reads process configuration from the environment. A .env
// file in the working directory is loaded first when present; variables
// already set take precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Backend names accepted in KV_BACKEND.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendMongo  = "mongo"
)

// Server configures cmd/kvserver.
type Server struct {
	Backend      string `env:"KV_BACKEND,default=memory"`
	BadgerPath   string `env:"BADGER_PATH"`
	MongoURI     string `env:"MONGODB_URI"`
	MongoDB      string `env:"MONGODB_DATABASE,default=neptalk"`
	Host         string `env:"HOST"`
	Port         int    `env:"PORT,default=50051"`
	JWTSecret    string `env:"JWT_SECRET"`
	JWTKeys      string `env:"JWT_KEYS"` // kid:secret,kid2:secret2
	JWTActiveKid string `env:"JWT_ACTIVE_KID"`
	RateLimitRPM int    `env:"RATE_LIMIT_RPM,default=600"`
	RateBurst    int    `env:"RATE_LIMIT_BURST,default=20"`
	TLSCert      string `env:"TLS_CERT"`
	TLSKey       string `env:"TLS_KEY"`
	RequireTLS   bool   `env:"REQUIRE_TLS"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
}

// Client configures cmd/neptalk. Flags override these.
type Client struct {
	Addr          string        `env:"NEPTALK_ADDR,default=localhost:50051"`
	Token         string        `env:"NEPTALK_TOKEN"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT,default=5s"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS,default=4"`
	ClientRPM     int           `env:"CLIENT_RATE_LIMIT_RPM"`
	TLS           bool          `env:"NEPTALK_TLS"`
	LogLevel      string        `env:"LOG_LEVEL,default=warn"`
}

// LoadServer reads the server configuration and validates it.
func LoadServer() (Server, error) {
	var c Server
	if err := load(&c); err != nil {
		return Server{}, err
	}
	return c, c.Validate()
}

// LoadClient reads the client configuration.
func LoadClient() (Client, error) {
	var c Client
	if err := load(&c); err != nil {
		return Client{}, err
	}
	return c, nil
}

func load(dst any) error {
	// a missing .env is fine
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(dst); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// Validate checks combinations the struct tags cannot express.
func (c Server) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendBadger:
		// an empty path runs badger in memory
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("MONGODB_URI must be set for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown KV_BACKEND %q", c.Backend)
	}
	if c.JWTSecret == "" && c.JWTKeys == "" {
		return errors.New("either JWT_SECRET or JWT_KEYS must be set")
	}
	if c.RequireTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	return nil
}

// Address is the listen address.
func (c Server) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
