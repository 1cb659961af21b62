package features

import (
	"time"

	"github.com/inkwave/titlerec/pkg/source"
)

// Config configures feature aggregation.
type Config struct {
	// Window is how far back events are aggregated on each refresh
	Window time.Duration `yaml:"window" default:"720h"`
	// RefreshInterval is how often aggregation re-runs
	RefreshInterval time.Duration `yaml:"refreshInterval" default:"1h"`
	// KindWeights maps an event kind to its interaction weight. Events
	// that carry an explicit weight from upstream keep it.
	KindWeights map[string]float64 `yaml:"kindWeights"`
}

// DefaultKindWeights returns the standard per-kind interaction weights.
func DefaultKindWeights() map[string]float64 {
	return map[string]float64{
		source.KindView:     3,
		source.KindVote:     6,
		source.KindBookmark: 7,
		source.KindRating:   1,
		source.KindPurchase: 5,
		source.KindComment:  1.1,
	}
}

// Validate checks the config and fills in default weights.
func (c *Config) Validate() error {
	if c.KindWeights == nil {
		c.KindWeights = DefaultKindWeights()
	}

	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}

	return nil
}
