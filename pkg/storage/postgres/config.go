// Package postgres implements the persistent store on PostgreSQL.
package postgres

import (
	"errors"
	"time"
)

// Define static errors
var (
	// ErrDSNRequired is returned when no connection string is provided
	ErrDSNRequired = errors.New("postgres DSN is required")
)

// Config contains PostgreSQL connection settings.
type Config struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxConns        int32         `yaml:"maxConns" default:"10"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime" default:"5m"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout" default:"10s"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrDSNRequired
	}

	return nil
}
