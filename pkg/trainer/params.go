package trainer

import (
	"errors"
	"fmt"
	"math"
)

// Define static errors
var (
	ErrInvalidHyperparameters = errors.New("invalid hyperparameters")
)

// Params are the hyperparameters of one training run.
type Params struct {
	// Factors is the latent dimensionality
	Factors int
	// Iterations is the number of alternating sweeps
	Iterations int
	// Regularization is the L2 penalty on factor vectors
	Regularization float64
	// Alpha scales interaction weight into confidence
	Alpha float64
	// Seed drives factor initialization and the evaluation holdout
	Seed int64
	// EvalK is the cutoff for ranking metrics
	EvalK int
	// HoldoutFraction is the share of users held out for evaluation
	HoldoutFraction float64
}

// DefaultParams returns the standard hyperparameters.
func DefaultParams() Params {
	return Params{
		Factors:         64,
		Iterations:      15,
		Regularization:  0.01,
		Alpha:           40,
		Seed:            42,
		EvalK:           10,
		HoldoutFraction: 0.1,
	}
}

// ParamsFrom overlays a configuration's model parameter map onto the
// defaults. Unknown keys are ignored.
func ParamsFrom(overrides map[string]float64) Params {
	p := DefaultParams()

	for name, value := range overrides {
		switch name {
		case "factors":
			p.Factors = int(value)
		case "iterations":
			p.Iterations = int(value)
		case "regularization", "lambda":
			p.Regularization = value
		case "alpha":
			p.Alpha = value
		case "seed":
			p.Seed = int64(value)
		case "eval_k":
			p.EvalK = int(value)
		case "holdout_fraction":
			p.HoldoutFraction = value
		}
	}

	return p
}

// Map renders the parameters back into a persistable map.
func (p Params) Map() map[string]float64 {
	return map[string]float64{
		"factors":          float64(p.Factors),
		"iterations":       float64(p.Iterations),
		"regularization":   p.Regularization,
		"alpha":            p.Alpha,
		"seed":             float64(p.Seed),
		"eval_k":           float64(p.EvalK),
		"holdout_fraction": p.HoldoutFraction,
	}
}

// Validate checks the parameters are trainable.
func (p Params) Validate() error {
	if p.Factors <= 0 {
		return fmt.Errorf("%w: factors must be positive, got %d", ErrInvalidHyperparameters, p.Factors)
	}

	if p.Iterations <= 0 {
		return fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalidHyperparameters, p.Iterations)
	}

	if p.Regularization <= 0 || math.IsNaN(p.Regularization) {
		return fmt.Errorf("%w: regularization must be positive, got %g", ErrInvalidHyperparameters, p.Regularization)
	}

	if p.Alpha <= 0 || math.IsNaN(p.Alpha) {
		return fmt.Errorf("%w: alpha must be positive, got %g", ErrInvalidHyperparameters, p.Alpha)
	}

	if p.EvalK <= 0 {
		return fmt.Errorf("%w: eval_k must be positive, got %d", ErrInvalidHyperparameters, p.EvalK)
	}

	if p.HoldoutFraction < 0 || p.HoldoutFraction >= 1 {
		return fmt.Errorf("%w: holdout_fraction must be in [0, 1), got %g", ErrInvalidHyperparameters, p.HoldoutFraction)
	}

	return nil
}
