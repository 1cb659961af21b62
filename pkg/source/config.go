// Package source provides the read-only client for the upstream interaction
// event feed, queried over the ClickHouse HTTP interface.
package source

import (
	"errors"
	"time"
)

// Define static errors
var (
	ErrURLRequired = errors.New("source URL is required")
)

// Config contains upstream source connection settings.
type Config struct {
	URL          string        `yaml:"url" validate:"required,url"`
	Database     string        `yaml:"database" default:"events"`
	Table        string        `yaml:"table" default:"interactions"`
	QueryTimeout time.Duration `yaml:"queryTimeout" default:"30s"`
	KeepAlive    time.Duration `yaml:"keepAlive" default:"30s"`
	Debug        bool          `yaml:"debug"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrURLRequired
	}

	return nil
}
