package mesh

import (
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RoundReport summarizes one optimization round.
type RoundReport struct {
	Round      int            `json:"round"`
	Index      IndexStats     `json:"index"`
	Features   int            `json:"features"`
	Optimize   OptimizeResult `json:"optimize"`
	DurationMs int64          `json:"durationMs"`
}

// Duration returns the round's wall time.
func (r RoundReport) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// RefineResult is the outcome of Refine. Poses aliases the window passed in.
type RefineResult struct {
	Poses    []Pose        `json:"-"`
	Rounds   []RoundReport `json:"rounds"`
	Duration time.Duration `json:"-"`
}

// InitialCost returns the cost before the first round, 0 without rounds.
func (r *RefineResult) InitialCost() float64 {
	if len(r.Rounds) == 0 {
		return 0
	}
	return r.Rounds[0].Optimize.InitialCost
}

// FinalCost returns the cost after the last round, 0 without rounds.
func (r *RefineResult) FinalCost() float64 {
	if len(r.Rounds) == 0 {
		return 0
	}
	return r.Rounds[len(r.Rounds)-1].Optimize.FinalCost
}

// Refiner drives optimization rounds over a pose window. Each round builds
// a fresh SpatialIndex from the current poses, extracts plane features,
// releases the index and runs the optimizer.
type Refiner struct {
	octree       OctreeConfig
	optimizer    OptimizerConfig
	rounds       int
	freeOSMemory bool
	log          logrus.FieldLogger
	metrics      *Metrics
}

// NewRefiner creates a Refiner from cfg. logger and metrics may be nil.
func NewRefiner(cfg *Config, logger logrus.FieldLogger, metrics *Metrics) *Refiner {
	rounds := cfg.Rounds
	if rounds < 1 {
		rounds = 1
	}
	return &Refiner{
		octree:       cfg.Octree,
		optimizer:    cfg.Optimizer,
		rounds:       rounds,
		freeOSMemory: cfg.FreeOSMemory,
		log:          orDiscard(logger),
		metrics:      metrics,
	}
}

// Refine optimizes poses in place. clouds[i] is the cloud observed from
// poses[i] in its local frame; clouds are never modified.
func (r *Refiner) Refine(poses []Pose, clouds []Cloud) (*RefineResult, error) {
	if len(poses) == 0 {
		return nil, errors.New("empty pose window")
	}
	if len(poses) != len(clouds) {
		return nil, errors.Errorf("pose window has %d poses but %d clouds", len(poses), len(clouds))
	}

	start := time.Now()
	result := &RefineResult{Poses: poses}
	opt := NewOptimizer(r.optimizer, r.log, r.metrics)

	for round := 0; round < r.rounds; round++ {
		roundStart := time.Now()
		log := r.log.WithField("round", round)

		acc, stats := r.ExtractFeatures(poses, clouds)
		log.WithFields(logrus.Fields{
			"voxels":   stats.Voxels,
			"nodes":    stats.Nodes,
			"features": acc.Len(),
		}).Info("plane features extracted")

		res := opt.Optimize(poses, acc)
		report := RoundReport{
			Round:      round,
			Index:      stats,
			Features:   acc.Len(),
			Optimize:   res,
			DurationMs: time.Since(roundStart).Milliseconds(),
		}
		result.Rounds = append(result.Rounds, report)
		r.metrics.observeRound(report)

		log.WithFields(logrus.Fields{
			"initialCost": res.InitialCost,
			"finalCost":   res.FinalCost,
			"iterations":  res.Iterations,
			"reason":      res.Reason,
		}).Info("round optimized")

		if res.Reason == StopNoFeatures {
			break
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// ExtractFeatures builds a SpatialIndex from every pose's cloud, resolves
// and collects it, then releases the whole index before returning. The
// returned accumulator is sealed.
func (r *Refiner) ExtractFeatures(poses []Pose, clouds []Cloud) (*FeatureAccumulator, IndexStats) {
	index := NewSpatialIndex(r.octree)
	for i := range poses {
		index.Insert(clouds[i], poses[i], i)
	}
	index.Recut()

	acc := NewFeatureAccumulator()
	index.Collect(acc)
	acc.Seal()

	stats := index.Stats()
	index.Release()
	if r.freeOSMemory {
		debug.FreeOSMemory()
	}
	return acc, stats
}
