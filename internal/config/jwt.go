package config

import (
	"fmt"
	"os"
)

// minSecretLength rejects secrets too short for HMAC-SHA256.
const minSecretLength = 32

// JWTConfig holds the settings used to verify caller tokens. Tokens are
// issued elsewhere; this service only verifies them.
type JWTConfig struct {
	Secret string `yaml:"jwt_secret" json:"jwt_secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer" json:"issuer"`
}

// NewJWTConfig creates a JWT configuration from environment variables.
// It reads JWT_SECRET (required) and JWT_ISSUER (optional).
func NewJWTConfig() (*JWTConfig, error) {
	config := &JWTConfig{
		Secret: os.Getenv("JWT_SECRET"),
		Issuer: os.Getenv("JWT_ISSUER"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration.
func (c *JWTConfig) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required but not set")
	}
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters, got: %d", minSecretLength, len(c.Secret))
	}
	return nil
}
