package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultMinRefineInterval is the minimum time between two triggered runs.
const DefaultMinRefineInterval = 30 * time.Second

var (
	// ErrRefineBusy is returned when a refinement is already running.
	ErrRefineBusy = errors.New("refinement already running")
	// ErrRefineDebounced is returned when the last run finished too recently.
	ErrRefineDebounced = errors.New("refinement requested too soon after the last run")
)

// RefineTrigger runs the load, refine, write and publish pipeline. Triggered
// runs are debounced and never overlap.
type RefineTrigger struct {
	config      *Config
	refiner     *Refiner
	state       *StateTracker
	publisher   *Publisher
	log         logrus.FieldLogger
	minInterval time.Duration

	mu      sync.Mutex
	running bool
	lastRun time.Time
	now     func() time.Time
}

// NewRefineTrigger wires a trigger. state and publisher may be nil.
func NewRefineTrigger(config *Config, refiner *Refiner, state *StateTracker, publisher *Publisher, logger logrus.FieldLogger) *RefineTrigger {
	return &RefineTrigger{
		config:      config,
		refiner:     refiner,
		state:       state,
		publisher:   publisher,
		log:         orDiscard(logger).WithField("component", "trigger"),
		minInterval: config.TriggerInterval(),
		now:         time.Now,
	}
}

// OnTrigger is the TriggerHandler registered with the MQTT client.
// It is safe to call from any goroutine.
func (t *RefineTrigger) OnTrigger(trajectory string) {
	if _, err := t.Trigger(context.Background(), trajectory); err != nil {
		if errors.Is(err, ErrRefineBusy) || errors.Is(err, ErrRefineDebounced) {
			t.log.WithError(err).Info("refine request skipped")
			return
		}
		t.log.WithError(err).Error("triggered refinement failed")
	}
}

// Trigger runs the pipeline unless another run is in progress or the last
// one finished less than the minimum interval ago.
func (t *RefineTrigger) Trigger(ctx context.Context, trajectory string) (*Report, error) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil, ErrRefineBusy
	}
	if !t.lastRun.IsZero() {
		if since := t.now().Sub(t.lastRun); since < t.minInterval {
			t.mu.Unlock()
			return nil, errors.Wrapf(ErrRefineDebounced, "last run %s ago, minimum %s",
				since.Round(time.Second), t.minInterval)
		}
	}
	t.running = true
	t.mu.Unlock()

	if t.state != nil {
		t.state.SetRunning(true)
	}
	defer func() {
		t.mu.Lock()
		t.running = false
		t.lastRun = t.now()
		t.mu.Unlock()
		if t.state != nil {
			t.state.SetRunning(false)
		}
	}()

	return t.RunOnce(ctx, trajectory)
}

// RunOnce runs the pipeline unconditionally. An empty trajectory selects
// input.trajectory from the config.
func (t *RefineTrigger) RunOnce(ctx context.Context, trajectory string) (*Report, error) {
	if trajectory == "" {
		trajectory = t.config.Input.Trajectory
	}
	if trajectory == "" {
		return nil, errors.New("no trajectory configured")
	}
	log := t.log.WithField("trajectory", trajectory)

	loadStart := time.Now()
	window, err := LoadWindow(ctx, trajectory, t.config.Input.Workers)
	if err != nil {
		return nil, errors.Wrap(err, "loading window")
	}
	if t.config.Input.ShouldRebase() {
		RebaseWindow(window.Poses)
	}
	timing := Timing{Load: time.Since(loadStart)}
	log.WithFields(logrus.Fields{
		"poses":  len(window.Poses),
		"loadMs": timing.Load.Milliseconds(),
	}).Info("window loaded")

	optStart := time.Now()
	result, err := t.refiner.Refine(window.Poses, window.Clouds)
	if err != nil {
		return nil, errors.Wrap(err, "refining window")
	}
	timing.Optimize = time.Since(optStart)

	report := NewReport(trajectory, result, timing)
	if err := t.writeOutputs(result.Poses, report, timing); err != nil {
		return report, err
	}

	if t.state != nil {
		t.state.Update(result.Poses, report)
	}
	t.publish(result.Poses, report)

	log.WithFields(logrus.Fields{
		"initialCost": report.InitialCost,
		"finalCost":   report.FinalCost,
		"optMs":       report.OptMs,
	}).Info("refinement complete")
	return report, nil
}

func (t *RefineTrigger) writeOutputs(poses []Pose, report *Report, timing Timing) error {
	out := t.config.Output
	if out.Trajectory != "" {
		if err := WriteTrajectoryFile(out.Trajectory, poses, timing); err != nil {
			return err
		}
	}
	if out.GeoJSON != "" {
		if err := SaveTrajectoryGeoJSON(out.GeoJSON, poses); err != nil {
			return err
		}
	}
	if out.Report != "" {
		if err := SaveReport(out.Report, report); err != nil {
			return err
		}
	}
	return nil
}

// publish failures are logged; the run itself already succeeded.
func (t *RefineTrigger) publish(poses []Pose, report *Report) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.PublishTrajectory(poses); err != nil {
		t.log.WithError(err).Warn("publishing trajectory failed")
	}
	if err := t.publisher.PublishSummary(report); err != nil {
		t.log.WithError(err).Warn("publishing summary failed")
	}
}
