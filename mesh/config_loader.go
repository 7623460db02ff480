package mesh

import (
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file. Values missing from
// the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrap(err, "reading config file")
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "marshaling config YAML")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing config file")
	}

	return nil
}

// Validate checks every tunable against its admissible range.
func (c *Config) Validate() error {
	o := c.Octree
	if !(o.VoxelSize > 0) || math.IsInf(o.VoxelSize, 0) {
		return errors.Errorf("octree.voxelSize must be positive, got %v", o.VoxelSize)
	}
	if o.MaxDepth < 1 {
		return errors.Errorf("octree.maxDepth must be at least 1, got %d", o.MaxDepth)
	}
	if !(o.PlanarityRatio > 0 && o.PlanarityRatio < 1) {
		return errors.Errorf("octree.planarityRatio must be in (0, 1), got %v", o.PlanarityRatio)
	}
	if o.MinSamples < 3 {
		return errors.Errorf("octree.minSamples must be at least 3, got %d", o.MinSamples)
	}
	if o.MinSplitSamples < 0 {
		return errors.Errorf("octree.minSplitSamples must not be negative, got %d", o.MinSplitSamples)
	}

	p := c.Optimizer
	if p.MaxIterations < 1 {
		return errors.Errorf("optimizer.maxIterations must be at least 1, got %d", p.MaxIterations)
	}
	if !(p.InitialDamping > 0) {
		return errors.Errorf("optimizer.initialDamping must be positive, got %v", p.InitialDamping)
	}
	if !(p.DampingGrow > 1) {
		return errors.Errorf("optimizer.dampingGrow must be greater than 1, got %v", p.DampingGrow)
	}
	if !(p.DampingShrink > 0 && p.DampingShrink < 1) {
		return errors.Errorf("optimizer.dampingShrink must be in (0, 1), got %v", p.DampingShrink)
	}
	if !(p.MinDamping > 0) {
		return errors.Errorf("optimizer.minDamping must be positive, got %v", p.MinDamping)
	}
	if p.MaxRetries < 0 {
		return errors.Errorf("optimizer.maxRetries must not be negative, got %d", p.MaxRetries)
	}
	if p.GradientTol < 0 || p.StepTol < 0 || p.CostTol < 0 {
		return errors.New("optimizer tolerances must not be negative")
	}
	if p.StallIterations < 1 {
		return errors.Errorf("optimizer.stallIterations must be at least 1, got %d", p.StallIterations)
	}
	if p.Workers < 1 {
		return errors.Errorf("optimizer.workers must be at least 1, got %d", p.Workers)
	}

	if c.Rounds < 1 {
		return errors.Errorf("rounds must be at least 1, got %d", c.Rounds)
	}
	if c.Input.Workers < 0 {
		return errors.Errorf("input.workers must not be negative, got %d", c.Input.Workers)
	}
	if c.MQTT.MinInterval != "" {
		if _, err := time.ParseDuration(c.MQTT.MinInterval); err != nil {
			return errors.Wrap(err, "mqtt.minInterval")
		}
	}
	return nil
}

// TriggerInterval returns the debounce interval for triggered runs.
func (c *Config) TriggerInterval() time.Duration {
	if c.MQTT.MinInterval == "" {
		return DefaultMinRefineInterval
	}
	d, err := time.ParseDuration(c.MQTT.MinInterval)
	if err != nil {
		return DefaultMinRefineInterval
	}
	return d
}
