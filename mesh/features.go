package mesh

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Moments are the zeroth, first and second raw moments of a point set.
type Moments struct {
	Count int    `json:"count"`
	Sum   r3.Vec `json:"sum"`
	Outer Mat3   `json:"outer"`
}

// Add accumulates a single point.
func (m *Moments) Add(p r3.Vec) {
	m.Count++
	m.Sum = r3.Add(m.Sum, p)
	m.Outer = m.Outer.Add(Outer(p, p))
}

// Merge accumulates another moment set.
func (m *Moments) Merge(o Moments) {
	m.Count += o.Count
	m.Sum = r3.Add(m.Sum, o.Sum)
	m.Outer = m.Outer.Add(o.Outer)
}

// Transform returns the moments of the same points after mapping each one
// through pose, computed in closed form:
//
//	s' = R s + n t
//	S' = R S Rᵀ + (R s) tᵀ + t (R s)ᵀ + n t tᵀ
func (m Moments) Transform(pose Pose) Moments {
	R, t := pose.Rotation, pose.Translation
	n := float64(m.Count)
	rs := R.MulVec(m.Sum)
	outer := R.Mul(m.Outer).Mul(R.T()).
		Add(Outer(rs, t)).
		Add(Outer(t, rs)).
		Add(Outer(t, t).Scale(n))
	return Moments{
		Count: m.Count,
		Sum:   r3.Add(rs, r3.Scale(n, t)),
		Outer: outer,
	}
}

// Covariance returns the mean and the population covariance of the points.
// Both are zero for an empty set.
func (m Moments) Covariance() (r3.Vec, Mat3) {
	if m.Count == 0 {
		return r3.Vec{}, Mat3{}
	}
	n := float64(m.Count)
	mean := r3.Scale(1/n, m.Sum)
	return mean, m.Outer.Scale(1 / n).Sub(Outer(mean, mean))
}

// eigenSym3 decomposes a symmetric 3x3 matrix. Eigenvalues are ascending and
// vecs[i] is the unit eigenvector of vals[i]. ok is false when the
// factorization fails.
func eigenSym3(c Mat3) (vals [3]float64, vecs [3]r3.Vec, ok bool) {
	sym := mat.NewSymDense(3, []float64{
		c[0][0], c[0][1], c[0][2],
		c[0][1], c[1][1], c[1][2],
		c[0][2], c[1][2], c[2][2],
	})
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return vals, vecs, false
	}
	values := es.Values(nil)
	var ev mat.Dense
	es.VectorsTo(&ev)
	for i := 0; i < 3; i++ {
		vals[i] = values[i]
		vecs[i] = r3.Vec{X: ev.At(0, i), Y: ev.At(1, i), Z: ev.At(2, i)}
	}
	return vals, vecs, true
}

// PoseStats are the moments of the points one pose contributed to a feature,
// expressed in that pose's local frame.
type PoseStats struct {
	PoseID int `json:"poseId"`
	Moments
}

// PlaneFeature is one accepted planar cluster. Stats are sorted by PoseID and
// hold one entry per contributing pose.
type PlaneFeature struct {
	Stats []PoseStats `json:"stats"`
}

// PoseIDs returns the contributing pose ids in ascending order.
func (f PlaneFeature) PoseIDs() []int {
	ids := make([]int, len(f.Stats))
	for i, s := range f.Stats {
		ids[i] = s.PoseID
	}
	return ids
}

// Count returns the total number of points behind the feature.
func (f PlaneFeature) Count() int {
	n := 0
	for _, s := range f.Stats {
		n += s.Count
	}
	return n
}

// World aggregates the feature's statistics in the common frame under the
// given pose window.
func (f PlaneFeature) World(poses []Pose) Moments {
	var w Moments
	for _, s := range f.Stats {
		w.Merge(s.Moments.Transform(poses[s.PoseID]))
	}
	return w
}

// Plane fits the feature under the given poses. It returns the centroid, the
// unit normal and the smallest covariance eigenvalue (mean squared
// point-to-plane distance).
func (f PlaneFeature) Plane(poses []Pose) (centroid, normal r3.Vec, lambda float64) {
	w := f.World(poses)
	centroid, cov := w.Covariance()
	vals, vecs, ok := eigenSym3(cov)
	if !ok {
		return centroid, r3.Vec{}, 0
	}
	return centroid, vecs[0], vals[0]
}

// newPlaneFeature builds a feature from unsorted per-pose stats.
func newPlaneFeature(stats map[int]*Moments) PlaneFeature {
	f := PlaneFeature{Stats: make([]PoseStats, 0, len(stats))}
	for id, m := range stats {
		f.Stats = append(f.Stats, PoseStats{PoseID: id, Moments: *m})
	}
	sort.Slice(f.Stats, func(i, j int) bool { return f.Stats[i].PoseID < f.Stats[j].PoseID })
	return f
}

// FeatureAccumulator is an append-only collection of plane features. Once
// sealed it is read-only.
type FeatureAccumulator struct {
	features []PlaneFeature
	sealed   bool
}

// NewFeatureAccumulator creates an empty, unsealed accumulator.
func NewFeatureAccumulator() *FeatureAccumulator {
	return &FeatureAccumulator{}
}

// Append adds a feature. It panics once the accumulator is sealed.
func (fa *FeatureAccumulator) Append(f PlaneFeature) {
	if fa.sealed {
		panic("mesh: append to sealed feature accumulator")
	}
	fa.features = append(fa.features, f)
}

// Seal freezes the accumulator.
func (fa *FeatureAccumulator) Seal() {
	fa.sealed = true
}

// Sealed reports whether Seal has been called.
func (fa *FeatureAccumulator) Sealed() bool {
	return fa.sealed
}

// Len returns the number of features.
func (fa *FeatureAccumulator) Len() int {
	return len(fa.features)
}

// Features returns the features. Callers must not modify the result.
func (fa *FeatureAccumulator) Features() []PlaneFeature {
	return fa.features
}

// Cost returns the total point-to-plane cost of all features under poses.
func (fa *FeatureAccumulator) Cost(poses []Pose) float64 {
	total := 0.0
	for _, f := range fa.features {
		total += featureCost(f, poses)
	}
	return total
}

// featureCost is N * lambda_min of the aggregated covariance, the sum of
// squared distances of all points to their best-fit plane.
func featureCost(f PlaneFeature, poses []Pose) float64 {
	w := f.World(poses)
	_, cov := w.Covariance()
	vals, _, ok := eigenSym3(cov)
	if !ok {
		return math.Inf(1)
	}
	return float64(w.Count) * math.Max(vals[0], 0)
}
