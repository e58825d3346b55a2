package multiview

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Config holds the tunable parameters of a reconstruction.
type Config struct {
	// ThresholdScale multiplies the largest absolute pixel coordinate to give the RANSAC
	// epipolar distance threshold.
	ThresholdScale float64 `json:"threshold_scale"`
	// Confidence is the desired probability that at least one RANSAC sample is outlier free.
	Confidence          float64 `json:"confidence"`
	MaxRansacIterations int     `json:"max_ransac_iterations"`
	// RandomSeed seeds the sampler of each EstimateFundamental call.
	RandomSeed int64 `json:"random_seed"`
	// MinInFrontFraction is the fraction of points that must be in front of both cameras,
	// exclusive, for a pose hypothesis to be accepted.
	MinInFrontFraction float64 `json:"min_in_front_fraction"`
	// Parallel fans per-point and per-hypothesis work out to goroutines.
	Parallel bool `json:"parallel"`
}

// DefaultConfig returns the configuration used by Reconstruct.
func DefaultConfig() *Config {
	return &Config{
		ThresholdScale:      0.006,
		Confidence:          0.99,
		MaxRansacIterations: 1000,
		RandomSeed:          0,
		MinInFrontFraction:  0.75,
		Parallel:            true,
	}
}

// NewConfigFromAttributes decodes attrs over the defaults. Unknown keys are an error.
func NewConfigFromAttributes(attrs map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "cannot decode reconstruction config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("reconstruction config is nil")
	}
	if cfg.ThresholdScale <= 0 {
		return errors.Errorf("threshold_scale must be positive, got %v", cfg.ThresholdScale)
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		return errors.Errorf("confidence must be in (0, 1), got %v", cfg.Confidence)
	}
	if cfg.MaxRansacIterations < 1 {
		return errors.Errorf("max_ransac_iterations must be at least 1, got %d", cfg.MaxRansacIterations)
	}
	if cfg.MinInFrontFraction < 0 || cfg.MinInFrontFraction >= 1 {
		return errors.Errorf("min_in_front_fraction must be in [0, 1), got %v", cfg.MinInFrontFraction)
	}
	return nil
}
