// Package config loads process configuration from the environment
// (with an optional .env file for local development), the same way
// every cmd/ binary in this tree boots.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotenv loads a .env file if present; a missing file is not an
// error since production environments set variables directly.
func LoadDotenv() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}
}

// Edge is the edge server's environment-driven configuration.
type Edge struct {
	WorkDir           string
	HTTPPort          int
	MessageTCPPort    int
	Environment       string
	AuthServerURL     string
	MaxConnections    int
	RequestTimeout    time.Duration
	ShutdownTimeout   time.Duration
}

// LoadEdge reads an Edge configuration from the environment.
func LoadEdge() (Edge, error) {
	httpPort, err := intEnv("HTTP_PORT", 8443)
	if err != nil {
		return Edge{}, err
	}
	tcpPort, err := intEnv("MESSAGE_TCP_PORT", 8444)
	if err != nil {
		return Edge{}, err
	}
	maxConns, err := intEnv("MAX_CONNECTIONS", 64)
	if err != nil {
		return Edge{}, err
	}
	reqTimeoutMS, err := intEnv("REQUEST_TIMEOUT_MS", 30000)
	if err != nil {
		return Edge{}, err
	}
	shutdownTimeoutMS, err := intEnv("SHUTDOWN_TIMEOUT_MS", 10000)
	if err != nil {
		return Edge{}, err
	}

	workDir := os.Getenv("WORK_DIR")
	if workDir == "" {
		workDir = "."
	}
	authServerURL := os.Getenv("AUTH_SERVER_URL")
	if authServerURL == "" {
		return Edge{}, fmt.Errorf("config: AUTH_SERVER_URL is required")
	}

	return Edge{
		WorkDir:         workDir,
		HTTPPort:        httpPort,
		MessageTCPPort:  tcpPort,
		Environment:     envOr("ENVIRONMENT", "production"),
		AuthServerURL:   authServerURL,
		MaxConnections:  maxConns,
		RequestTimeout:  time.Duration(reqTimeoutMS) * time.Millisecond,
		ShutdownTimeout: time.Duration(shutdownTimeoutMS) * time.Millisecond,
	}, nil
}

// Cloud is the cloud control plane's environment-driven configuration.
type Cloud struct {
	Stage            string
	DatabaseURL      string
	HTTPPort         int
	JWKSURL          string
	JWTIssuer        string
	JWTAudience      string
	TenantCASecretARNPrefix string
}

func LoadCloud() (Cloud, error) {
	httpPort, err := intEnv("HTTP_PORT", 8080)
	if err != nil {
		return Cloud{}, err
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return Cloud{}, fmt.Errorf("config: DATABASE_URL is required")
	}

	return Cloud{
		Stage:                   envOr("STAGE", "production"),
		DatabaseURL:             dbURL,
		HTTPPort:                httpPort,
		JWKSURL:                 os.Getenv("CONSOLE_JWKS_URL"),
		JWTIssuer:               os.Getenv("CONSOLE_JWT_ISSUER"),
		JWTAudience:             os.Getenv("CONSOLE_JWT_AUDIENCE"),
		TenantCASecretARNPrefix: envOr("TENANT_CA_SECRET_PREFIX", "crab/tenant-ca/"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", key, v, err)
	}
	return n, nil
}
