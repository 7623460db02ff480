package mesh

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a sensor pose: rotation, translation and acquisition timestamp.
// A point q in the sensor frame maps to Rotation*q + Translation in the
// common reference frame.
type Pose struct {
	Rotation    Mat3    `json:"rotation"`
	Translation r3.Vec  `json:"translation"`
	Timestamp   float64 `json:"timestamp"`
}

// IdentityPose returns a pose with no rotation and no translation.
func IdentityPose() Pose {
	return Pose{Rotation: Identity3()}
}

// Cloud is a point cloud expressed in its pose's local frame.
type Cloud []r3.Vec

// VoxelKey identifies a fixed-size voxel by its integer grid coordinates.
type VoxelKey struct {
	X, Y, Z int64
}

// Less orders keys lexicographically (X, then Y, then Z).
func (k VoxelKey) Less(o VoxelKey) bool {
	if k.X != o.X {
		return k.X < o.X
	}
	if k.Y != o.Y {
		return k.Y < o.Y
	}
	return k.Z < o.Z
}

// OctreeConfig controls voxel bucketing and the plane test.
type OctreeConfig struct {
	VoxelSize       float64 `yaml:"voxelSize" json:"voxelSize"`             // Root voxel edge length
	MaxDepth        int     `yaml:"maxDepth" json:"maxDepth"`               // Nodes exist at depths 0..MaxDepth-1
	PlanarityRatio  float64 `yaml:"planarityRatio" json:"planarityRatio"`   // Accept when lambda_min < ratio * lambda_max
	MinSamples      int     `yaml:"minSamples" json:"minSamples"`           // Minimum points in an accepted feature
	MinSplitSamples int     `yaml:"minSplitSamples" json:"minSplitSamples"` // Split only when a node holds more points than this
}

// DefaultOctreeConfig returns the default plane extraction tuning.
func DefaultOctreeConfig() OctreeConfig {
	return OctreeConfig{
		VoxelSize:       1.0,
		MaxDepth:        4,
		PlanarityRatio:  1.0 / 16.0,
		MinSamples:      10,
		MinSplitSamples: 10,
	}
}

// OptimizerConfig controls the damped Gauss-Newton solver.
type OptimizerConfig struct {
	MaxIterations   int     `yaml:"maxIterations" json:"maxIterations"`     // Linearizations before giving up
	InitialDamping  float64 `yaml:"initialDamping" json:"initialDamping"`   // Starting lambda
	DampingGrow     float64 `yaml:"dampingGrow" json:"dampingGrow"`         // Lambda multiplier after a rejected step
	DampingShrink   float64 `yaml:"dampingShrink" json:"dampingShrink"`     // Lambda multiplier after an accepted step
	MinDamping      float64 `yaml:"minDamping" json:"minDamping"`           // Lower clamp for lambda
	MaxRetries      int     `yaml:"maxRetries" json:"maxRetries"`           // Re-solves per iteration after rejection
	GradientTol     float64 `yaml:"gradientTol" json:"gradientTol"`         // Stop when |g| falls below this
	StepTol         float64 `yaml:"stepTol" json:"stepTol"`                 // Stop when |dx| falls below this
	CostTol         float64 `yaml:"costTol" json:"costTol"`                 // Relative cost improvement considered a stall
	StallIterations int     `yaml:"stallIterations" json:"stallIterations"` // Consecutive stalls before stopping
	Workers         int     `yaml:"workers" json:"workers"`                 // Partitions for gradient/Hessian accumulation
}

// DefaultOptimizerConfig returns the default solver tuning.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxIterations:   20,
		InitialDamping:  1e-2,
		DampingGrow:     10,
		DampingShrink:   0.1,
		MinDamping:      1e-9,
		MaxRetries:      8,
		GradientTol:     1e-9,
		StepTol:         1e-10,
		CostTol:         1e-8,
		StallIterations: 2,
		Workers:         1,
	}
}

// InputConfig locates the pose window on disk.
type InputConfig struct {
	Trajectory string `yaml:"trajectory" json:"trajectory"`               // Pose CSV; clouds are <base>_<i>.pcd next to it
	Rebase     *bool  `yaml:"rebase,omitempty" json:"rebase,omitempty"`   // Re-express poses relative to the first (default true)
	Workers    int    `yaml:"workers,omitempty" json:"workers,omitempty"` // Concurrent cloud loads (default 4)
}

// ShouldRebase reports whether the window is re-expressed relative to its first pose.
func (ic InputConfig) ShouldRebase() bool {
	return ic.Rebase == nil || *ic.Rebase
}

// OutputConfig names the files written after a refinement.
type OutputConfig struct {
	Trajectory string `yaml:"trajectory" json:"trajectory"`
	GeoJSON    string `yaml:"geojson,omitempty" json:"geojson,omitempty"`
	Report     string `yaml:"report,omitempty" json:"report,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	MinInterval   string `yaml:"minInterval,omitempty" json:"minInterval,omitempty"` // Debounce between triggered runs, Go duration syntax
}

// HTTPConfig holds the status server settings.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// LogConfig selects logger level and output format.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`   // debug, info, warn, error
	Format string `yaml:"format,omitempty" json:"format,omitempty"` // text or json
}

// Config represents the full configuration file
type Config struct {
	Input        InputConfig     `yaml:"input" json:"input"`
	Output       OutputConfig    `yaml:"output" json:"output"`
	Octree       OctreeConfig    `yaml:"octree" json:"octree"`
	Optimizer    OptimizerConfig `yaml:"optimizer" json:"optimizer"`
	Rounds       int             `yaml:"rounds" json:"rounds"`
	FreeOSMemory bool            `yaml:"freeOSMemory" json:"freeOSMemory"`
	MQTT         MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	HTTP         HTTPConfig      `yaml:"http,omitempty" json:"http,omitempty"`
	Log          LogConfig       `yaml:"log,omitempty" json:"log,omitempty"`
}

// DefaultConfig returns a configuration with every tunable at its default.
func DefaultConfig() *Config {
	return &Config{
		Input:     InputConfig{Workers: 4},
		Output:    OutputConfig{Trajectory: "refined_trajectory.txt"},
		Octree:    DefaultOctreeConfig(),
		Optimizer: DefaultOptimizerConfig(),
		Rounds:    1,
		MQTT:      MQTTConfig{PublishPrefix: "voxmesh", ClientID: "voxmesh", MinInterval: "30s"},
		HTTP:      HTTPConfig{Port: 8080},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}
