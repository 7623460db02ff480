package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Timing records the load and optimization wall times of a run.
type Timing struct {
	Load     time.Duration
	Optimize time.Duration
}

// WriteTrajectory writes a duration header followed by one line per pose:
// "t x y z qx qy qz qw", fixed notation with six decimals.
func WriteTrajectory(w io.Writer, poses []Pose, timing Timing) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# duration [ms] | load: %d | opt: %d\n",
		timing.Load.Milliseconds(), timing.Optimize.Milliseconds())
	for _, p := range poses {
		q := RotationToQuat(p.Rotation)
		t := p.Translation
		fmt.Fprintf(bw, "%.6f %.6f %.6f %.6f %.6f %.6f %.6f %.6f\n",
			p.Timestamp, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
	}
	return errors.Wrap(bw.Flush(), "writing trajectory")
}

// WriteTrajectoryFile writes the trajectory to path, creating parent
// directories as needed.
func WriteTrajectoryFile(path string, poses []Pose, timing Timing) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating trajectory directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating trajectory file")
	}
	if err := WriteTrajectory(f, poses, timing); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "closing trajectory file")
}

// ReadTrajectory parses the format written by WriteTrajectory. Lines
// starting with '#' are skipped.
func ReadTrajectory(r io.Reader) ([]Pose, error) {
	var poses []Pose
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 8 {
			return nil, errors.Errorf("line %d: expected 8 values, got %d", lineNo, len(fields))
		}
		var v [8]float64
		for i, f := range fields {
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			v[i] = x
		}
		poses = append(poses, Pose{
			Timestamp:   v[0],
			Translation: r3.Vec{X: v[1], Y: v[2], Z: v[3]},
			Rotation:    QuatToRotation(quat.Number{Real: v[7], Imag: v[4], Jmag: v[5], Kmag: v[6]}),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading trajectory")
	}
	return poses, nil
}

// PoseRecord is the JSON form of a pose used by the HTTP and MQTT outputs.
type PoseRecord struct {
	Timestamp float64 `json:"t"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	QX        float64 `json:"qx"`
	QY        float64 `json:"qy"`
	QZ        float64 `json:"qz"`
	QW        float64 `json:"qw"`
}

// PoseRecords converts poses to their JSON records.
func PoseRecords(poses []Pose) []PoseRecord {
	out := make([]PoseRecord, len(poses))
	for i, p := range poses {
		q := RotationToQuat(p.Rotation)
		out[i] = PoseRecord{
			Timestamp: p.Timestamp,
			X:         p.Translation.X,
			Y:         p.Translation.Y,
			Z:         p.Translation.Z,
			QX:        q.Imag,
			QY:        q.Jmag,
			QZ:        q.Kmag,
			QW:        q.Real,
		}
	}
	return out
}
