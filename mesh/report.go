package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// DefaultReportPath is where service runs persist their last report.
const DefaultReportPath = ".voxmesh-report.json"

// Report is the persisted summary of a refinement run.
type Report struct {
	GeneratedAt int64         `json:"generatedAt"`
	Trajectory  string        `json:"trajectory"`
	Poses       int           `json:"poses"`
	LoadMs      int64         `json:"loadMs"`
	OptMs       int64         `json:"optMs"`
	InitialCost float64       `json:"initialCost"`
	FinalCost   float64       `json:"finalCost"`
	Rounds      []RoundReport `json:"rounds"`
}

// NewReport summarizes result for the window loaded from trajectory.
func NewReport(trajectory string, result *RefineResult, timing Timing) *Report {
	r := &Report{
		GeneratedAt: time.Now().Unix(),
		Trajectory:  trajectory,
		LoadMs:      timing.Load.Milliseconds(),
		OptMs:       timing.Optimize.Milliseconds(),
		Rounds:      make([]RoundReport, 0),
	}
	if result != nil {
		r.Poses = len(result.Poses)
		r.InitialCost = result.InitialCost()
		r.FinalCost = result.FinalCost()
		r.Rounds = append(r.Rounds, result.Rounds...)
	}
	return r
}

// Improvement returns the relative cost reduction, 0 when nothing was measured.
func (r *Report) Improvement() float64 {
	if r == nil || r.InitialCost <= 0 {
		return 0
	}
	return (r.InitialCost - r.FinalCost) / r.InitialCost
}

// LoadReport reads a report written by SaveReport. A missing file is not an
// error: it returns nil, nil.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading report file")
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "parsing report file")
	}
	return &r, nil
}

// SaveReport writes r as indented JSON, creating parent directories.
func SaveReport(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating report directory")
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling report")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing report file")
	}
	return nil
}
