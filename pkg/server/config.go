// Package server wires the full recommendation service: storage, upstream
// source, cache, training orchestration, serving engine and the HTTP API.
package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/inkwave/titlerec/pkg/api"
	"github.com/inkwave/titlerec/pkg/engine"
	"github.com/inkwave/titlerec/pkg/features"
	"github.com/inkwave/titlerec/pkg/matrix"
	"github.com/inkwave/titlerec/pkg/orchestrator"
	"github.com/inkwave/titlerec/pkg/redis"
	"github.com/inkwave/titlerec/pkg/source"
	"github.com/inkwave/titlerec/pkg/storage/postgres"
)

// Define static errors
var (
	ErrInvalidStorageDriver = errors.New("storage driver must be postgres or memory")
)

// Storage driver names
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// StorageConfig selects and configures the persistent store backend. The
// memory driver holds everything in process and is meant for development.
type StorageConfig struct {
	Driver   string          `yaml:"driver" default:"postgres"`
	Postgres postgres.Config `yaml:"postgres"`
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case DriverPostgres:
		return c.Postgres.Validate()
	case DriverMemory:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorageDriver, c.Driver)
	}
}

// CacheConfig configures the recommendation result cache.
type CacheConfig struct {
	// TTL bounds how long a cached recommendation response is served
	TTL time.Duration `yaml:"ttl" default:"10m"`
}

// Validate fills in the cache TTL default.
func (c *CacheConfig) Validate() error {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}

	return nil
}

// Config represents the complete service configuration.
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info" validate:"oneof=panic fatal warn info debug trace"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9090"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	// Dependencies
	Redis   redis.Config  `yaml:"redis"`
	Source  source.Config `yaml:"source"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`

	// Feature aggregation
	Features features.Config `yaml:"features"`

	// Interaction matrix construction
	Matrix matrix.Config `yaml:"matrix"`

	// Training orchestration
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	// Recommendation serving
	Engine engine.Config `yaml:"engine"`

	// API service configuration
	API api.Config `yaml:"api"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Redis.Validate(); err != nil {
		return err
	}

	if err := c.Source.Validate(); err != nil {
		return err
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if err := c.Features.Validate(); err != nil {
		return err
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}

	return c.API.Validate()
}
