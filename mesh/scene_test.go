package mesh

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

const epsilon = 1e-10

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func vecNear(a, b r3.Vec, tol float64) bool {
	return r3.Norm(r3.Sub(a, b)) <= tol
}

func matNear(a, b Mat3, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func posesNear(t *testing.T, got, want Pose, rotTol, transTol float64) {
	t.Helper()
	if d := RotationAngle(got.Rotation, want.Rotation); d > rotTol {
		t.Errorf("rotation off by %g rad (tolerance %g)", d, rotTol)
	}
	if d := r3.Norm(r3.Sub(got.Translation, want.Translation)); d > transTol {
		t.Errorf("translation off by %g (tolerance %g): got %v, want %v", d, transTol, got.Translation, want.Translation)
	}
}

// poseAt builds a pose from a rotation vector and a translation.
func poseAt(phi, t r3.Vec) Pose {
	return Pose{Rotation: ExpSO3(phi), Translation: t}
}

// gridPoints samples origin + i*du + j*dv for i < nu, j < nv.
func gridPoints(origin, du, dv r3.Vec, nu, nv int) []r3.Vec {
	pts := make([]r3.Vec, 0, nu*nv)
	for i := 0; i < nu; i++ {
		for j := 0; j < nv; j++ {
			pts = append(pts, r3.Add(origin, r3.Add(r3.Scale(float64(i), du), r3.Scale(float64(j), dv))))
		}
	}
	return pts
}

// toLocal expresses common-frame points in pose's frame.
func toLocal(pose Pose, world []r3.Vec) Cloud {
	inv := pose.Inverse()
	out := make(Cloud, len(world))
	for i, p := range world {
		out[i] = inv.Apply(p)
	}
	return out
}

// featureFromWorld builds a feature whose pose i contributes perPose[i],
// given in the common frame and observed from truth[i].
func featureFromWorld(truth []Pose, perPose [][]r3.Vec) PlaneFeature {
	stats := make(map[int]*Moments)
	for i, pts := range perPose {
		if len(pts) == 0 {
			continue
		}
		m := &Moments{}
		for _, q := range toLocal(truth[i], pts) {
			m.Add(q)
		}
		stats[i] = m
	}
	return newPlaneFeature(stats)
}

// boxScene returns three mutually orthogonal, well separated square plates:
// a floor at z=0.3 and walls at x=0.3 and y=0.3, each sampled on a 0.1 grid
// spanning [1.2, 3.8]. No voxel of edge 1 holds points of two plates.
func boxScene() [][]r3.Vec {
	const n = 27
	step := 0.1
	return [][]r3.Vec{
		gridPoints(r3.Vec{X: 1.2, Y: 1.2, Z: 0.3}, r3.Vec{X: step}, r3.Vec{Y: step}, n, n),
		gridPoints(r3.Vec{X: 0.3, Y: 1.2, Z: 1.2}, r3.Vec{Y: step}, r3.Vec{Z: step}, n, n),
		gridPoints(r3.Vec{X: 1.2, Y: 0.3, Z: 1.2}, r3.Vec{X: step}, r3.Vec{Z: step}, n, n),
	}
}

// boxTruth is a window of three poses looking at boxScene.
func boxTruth() []Pose {
	return []Pose{
		poseAt(r3.Vec{}, r3.Vec{X: 2, Y: 2, Z: 2}),
		poseAt(r3.Vec{Z: 0.1}, r3.Vec{X: 2.3, Y: 2.1, Z: 2.05}),
		poseAt(r3.Vec{X: 0.02, Z: -0.15}, r3.Vec{X: 1.8, Y: 2.2, Z: 1.95}),
	}
}

// perturbWindow applies a rotation of angle rad about a random axis and a
// translation of length dist to every pose.
func perturbWindow(rng *rand.Rand, poses []Pose, angle, dist float64) []Pose {
	out := make([]Pose, len(poses))
	for i, p := range poses {
		axis := r3.Unit(r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()})
		dir := r3.Unit(r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()})
		out[i] = p.Perturb(r3.Scale(angle, axis), r3.Scale(dist, dir))
	}
	return out
}

// boxAccumulator builds one feature per plate, each seen by every pose.
func boxAccumulator(truth []Pose) *FeatureAccumulator {
	acc := NewFeatureAccumulator()
	for _, plate := range boxScene() {
		perPose := make([][]r3.Vec, len(truth))
		for i := range truth {
			perPose[i] = plate
		}
		acc.Append(featureFromWorld(truth, perPose))
	}
	acc.Seal()
	return acc
}
