package reminder

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights are the relative contributions of each stress factor.
type Weights struct {
	Attendees   float64 `yaml:"attendees"`
	Duration    float64 `yaml:"duration"`
	BackToBack  float64 `yaml:"back_to_back"`
	Preparation float64 `yaml:"preparation"`
}

// Caps are the values at which a stress factor saturates to 1.
type Caps struct {
	Attendees            int `yaml:"attendees"`
	DurationMinutes      int `yaml:"duration_minutes"`
	BackToBackGapMinutes int `yaml:"back_to_back_gap_minutes"` // gaps at or above this count as relaxed
	PreparationMinutes   int `yaml:"preparation_minutes"`
}

// Config tunes the stress score.
type Config struct {
	Weights Weights `yaml:"weights"`
	Caps    Caps    `yaml:"caps"`
}

// DefaultConfig returns the built-in weights and caps.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{Attendees: 0.3, Duration: 0.25, BackToBack: 0.25, Preparation: 0.2},
		Caps:    Caps{Attendees: 10, DurationMinutes: 120, BackToBackGapMinutes: 15, PreparationMinutes: 60},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read stress weights file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse stress weights file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid stress weights file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that weights are non-negative and caps positive.
func (c Config) Validate() error {
	w := c.Weights
	if w.Attendees < 0 || w.Duration < 0 || w.BackToBack < 0 || w.Preparation < 0 {
		return errors.New("weights cannot be negative")
	}
	if w.Attendees+w.Duration+w.BackToBack+w.Preparation == 0 {
		return errors.New("at least one weight must be positive")
	}
	cp := c.Caps
	if cp.Attendees <= 0 || cp.DurationMinutes <= 0 || cp.BackToBackGapMinutes <= 0 || cp.PreparationMinutes <= 0 {
		return errors.New("caps must be positive")
	}
	return nil
}
