package mesh

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

func randomCloud(rng *rand.Rand, n int) Cloud {
	c := make(Cloud, n)
	for i := range c {
		c[i] = r3.Vec{X: rng.Float64()*4 - 2, Y: rng.Float64()*4 - 2, Z: rng.Float64()*4 - 2}
	}
	return c
}

func TestMomentsTransform_MatchesTransformedPoints(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cloud := randomCloud(rng, 200)
	pose := poseAt(r3.Vec{X: 0.7, Y: -0.2, Z: 1.1}, r3.Vec{X: 3, Y: -1, Z: 0.5})

	var local, direct Moments
	for _, q := range cloud {
		local.Add(q)
		direct.Add(pose.Apply(q))
	}
	got := local.Transform(pose)

	approx := cmpopts.EquateApprox(1e-10, 1e-8)
	if diff := cmp.Diff(direct, got, approx); diff != "" {
		t.Errorf("Transform mismatch (-direct +closed form):\n%s", diff)
	}
}

func TestMomentsMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cloud := randomCloud(rng, 50)

	var all, a, b Moments
	for i, p := range cloud {
		all.Add(p)
		if i%2 == 0 {
			a.Add(p)
		} else {
			b.Add(p)
		}
	}
	a.Merge(b)

	assert.Equal(t, all.Count, a.Count)
	assert.True(t, vecNear(all.Sum, a.Sum, 1e-12))
	assert.True(t, matNear(all.Outer, a.Outer, 1e-12))
}

func TestCovariance(t *testing.T) {
	var m Moments
	mean, cov := m.Covariance()
	assert.Equal(t, r3.Vec{}, mean)
	assert.Equal(t, Mat3{}, cov)

	for _, p := range []r3.Vec{{X: 1}, {X: -1}, {Y: 2}, {Y: -2}} {
		m.Add(p)
	}
	mean, cov = m.Covariance()
	assert.True(t, vecNear(mean, r3.Vec{}, epsilon))
	want := Mat3{{0.5, 0, 0}, {0, 2, 0}, {0, 0, 0}}
	assert.True(t, matNear(cov, want, epsilon), "cov = %v", cov)
}

func TestEigenSym3(t *testing.T) {
	c := Mat3{{4, 1, 0}, {1, 3, 0}, {0, 0, 0.5}}
	vals, vecs, ok := eigenSym3(c)
	require.True(t, ok)

	assert.True(t, vals[0] <= vals[1] && vals[1] <= vals[2], "eigenvalues not ascending: %v", vals)
	assert.InDelta(t, 0.5, vals[0], 1e-12)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1.0, r3.Norm(vecs[i]), 1e-12)
		if !vecNear(c.MulVec(vecs[i]), r3.Scale(vals[i], vecs[i]), 1e-10) {
			t.Errorf("vecs[%d] is not an eigenvector of value %g", i, vals[i])
		}
	}
}

func TestPlaneFeature_Plane(t *testing.T) {
	truth := []Pose{IdentityPose(), poseAt(r3.Vec{Z: 0.5}, r3.Vec{X: 1, Z: 2})}
	plate := gridPoints(r3.Vec{X: -1, Y: -1, Z: 0.25}, r3.Vec{X: 0.2}, r3.Vec{Y: 0.2}, 11, 11)
	f := featureFromWorld(truth, [][]r3.Vec{plate, plate})

	assert.Equal(t, []int{0, 1}, f.PoseIDs())
	assert.Equal(t, 2*len(plate), f.Count())

	c, n, lambda := f.Plane(truth)
	assert.InDelta(t, 0.0, lambda, 1e-10)
	assert.InDelta(t, 1.0, math.Abs(n.Z), 1e-9)
	assert.InDelta(t, 0.25, c.Z, 1e-10)
}

func TestNewPlaneFeature_SortsByPoseID(t *testing.T) {
	stats := map[int]*Moments{
		7: {Count: 1},
		2: {Count: 2},
		5: {Count: 3},
	}
	f := newPlaneFeature(stats)
	assert.Equal(t, []int{2, 5, 7}, f.PoseIDs())
	assert.Equal(t, 6, f.Count())
}

func TestFeatureCost_EqualsSquaredDistances(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	truth := []Pose{IdentityPose(), poseAt(r3.Vec{X: 0.1}, r3.Vec{Y: 1})}
	var perPose [2][]r3.Vec
	for i := range perPose {
		for k := 0; k < 100; k++ {
			perPose[i] = append(perPose[i], r3.Vec{
				X: rng.Float64() * 3,
				Y: rng.Float64() * 3,
				Z: 0.02 * rng.NormFloat64(),
			})
		}
	}
	f := featureFromWorld(truth, perPose[:])

	c, n, _ := f.Plane(truth)
	want := 0.0
	for _, pts := range perPose {
		for _, p := range pts {
			d := r3.Dot(n, r3.Sub(p, c))
			want += d * d
		}
	}
	assert.InDelta(t, want, featureCost(f, truth), 1e-9)
}

func TestFeatureCost_ZeroOnExactPlane(t *testing.T) {
	truth := boxTruth()
	acc := boxAccumulator(truth)
	assert.InDelta(t, 0.0, acc.Cost(truth), 1e-9)

	moved := perturbWindow(rand.New(rand.NewSource(5)), truth, 0.01, 0.02)
	assert.Greater(t, acc.Cost(moved), 1e-3)
}

func TestSinglePoseFeature_ZeroGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	poses := []Pose{poseAt(r3.Vec{Y: 0.3}, r3.Vec{X: 1, Y: 2, Z: 3})}
	pts := make([]r3.Vec, 80)
	for i := range pts {
		pts[i] = r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: 0.05 * rng.Float64()}
	}
	f := featureFromWorld(poses, [][]r3.Vec{pts})

	// evaluate away from the generating pose so residuals are not trivially zero
	moved := []Pose{poses[0].Perturb(r3.Vec{X: 0.2}, r3.Vec{Z: 0.4})}
	sys := newNormalEquations(6)
	accumulateFeature(sys, f, moved)

	assert.InDelta(t, 0.0, floats.Norm(sys.grad, 2), 1e-9)
}

func TestFeatureAccumulator_Seal(t *testing.T) {
	acc := NewFeatureAccumulator()
	assert.False(t, acc.Sealed())
	acc.Append(PlaneFeature{})
	acc.Seal()

	assert.True(t, acc.Sealed())
	assert.Equal(t, 1, acc.Len())
	assert.PanicsWithValue(t, "mesh: append to sealed feature accumulator", func() {
		acc.Append(PlaneFeature{})
	})
}
