/*
Package configs is responsible for loading and parsing the application's configuration.

Server-level settings (environment, port, JWT secret) come from environment
variables; the user directory, upstream credentials, and token scopes come
from a YAML file whose path is given by CONFIG_PATH. Malformed configuration
is the only fatal-at-startup condition in the service.
*/
package configs

import (
	"fmt"
	"os"
	"strconv"
)

// AppConfig contains the server-level configuration parameters.
// All values are loaded from environment variables.
type AppConfig struct {
	// Environment selects logging format and dev defaults ("development" or "production").
	Environment string

	// Port is the TCP port the HTTP listener binds.
	Port int

	// ConfigPath points at the YAML file holding users, credentials, and tokens.
	ConfigPath string

	// JWTSecret verifies bearer tokens issued as signed JWTs. Optional:
	// when empty, only the static token table grants scopes.
	JWTSecret string
}

// LoadConfig reads and parses the server configuration from environment
// variables, applying defaults and validating ranges.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}

	cfg.Environment = os.Getenv("ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	portStr := os.Getenv("PORT")
	if portStr == "" {
		portStr = "3000"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT environment variable: %w", err)
	}
	cfg.Port = port

	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, 1024, 65535)
	}

	cfg.ConfigPath = os.Getenv("CONFIG_PATH")
	if cfg.ConfigPath == "" {
		return nil, fmt.Errorf("CONFIG_PATH environment variable is required: it points at the users/credentials YAML file")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	return cfg, nil
}
