package mesh

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"
)

func samplesOf(pts []r3.Vec, pose int32) []sample {
	out := make([]sample, len(pts))
	for i, p := range pts {
		out[i] = sample{world: p, local: p, pose: pose}
	}
	return out
}

func TestPlaneTest(t *testing.T) {
	cfg := DefaultOctreeConfig()
	rng := rand.New(rand.NewSource(9))

	plate := gridPoints(r3.Vec{X: 0.1, Y: 0.1, Z: 0.5}, r3.Vec{X: 0.1}, r3.Vec{Y: 0.1}, 8, 8)
	tilted := make([]r3.Vec, len(plate))
	for i, p := range plate {
		tilted[i] = r3.Vec{X: p.X, Y: p.Y, Z: 0.2 + 0.3*p.X - 0.1*p.Y}
	}
	blob := make([]r3.Vec, 64)
	for i := range blob {
		blob[i] = r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	line := gridPoints(r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}, r3.Vec{X: 0.05, Y: 0.02, Z: 0.01}, r3.Vec{}, 16, 1)
	dup := make([]r3.Vec, 40)
	for i := range dup {
		dup[i] = r3.Vec{X: 0.4, Y: 0.4, Z: 0.4}
	}
	strip := narrowStrip(rand.New(rand.NewSource(3)))

	// exact planes at the minimum and far above it
	flat := func(nu, nv int) []r3.Vec {
		return gridPoints(r3.Vec{X: 0.05, Y: 0.05, Z: 0.5}, r3.Vec{X: 0.9 / float64(nu)}, r3.Vec{Y: 0.9 / float64(nv)}, nu, nv)
	}

	tests := []struct {
		name  string
		pts   []r3.Vec
		depth int
		want  bool
	}{
		{"horizontal plate", plate, 0, true},
		{"tilted plate", tilted, 0, true},
		{"plate at depth limit", plate, cfg.MaxDepth, false},
		{"too few samples", plate[:cfg.MinSamples-1], 0, false},
		{"volumetric blob", blob, 0, false},
		{"collinear", line, 0, false},
		{"duplicates", dup, 0, false},
		{"narrow strip", strip, 0, true},
		{"exact plane at min samples", flat(cfg.MinSamples/2, 2), 0, true},
		{"exact plane 10x min samples", flat(10, cfg.MinSamples), 0, true},
		{"exact plane 1000x min samples", flat(100, cfg.MinSamples*10), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := planeTest(samplesOf(tt.pts, 0), tt.depth, cfg)
			if got != tt.want {
				t.Errorf("planeTest() = %v, want %v", got, tt.want)
			}
		})
	}
}

// narrowStrip is a 0.9 x 0.02 band of 400 points at z=0.3 with up to 0.005
// of vertical noise.
func narrowStrip(rng *rand.Rand) []r3.Vec {
	pts := gridPoints(r3.Vec{X: 0.05, Y: 0.49, Z: 0.3}, r3.Vec{X: 0.9 / 39}, r3.Vec{Y: 0.02 / 9}, 40, 10)
	for i := range pts {
		pts[i].Z += 0.01 * (rng.Float64() - 0.5)
	}
	return pts
}

func TestPlaneTest_NoiseForcesRejection(t *testing.T) {
	cfg := DefaultOctreeConfig()
	plate := gridPoints(r3.Vec{}, r3.Vec{X: 0.1}, r3.Vec{Y: 0.1}, 10, 10)

	rejected := false
	for _, sigma := range []float64{0, 0.01, 0.05, 0.1, 0.2, 0.4} {
		rng := rand.New(rand.NewSource(21))
		noisy := make([]r3.Vec, len(plate))
		for i, p := range plate {
			noisy[i] = r3.Vec{X: p.X, Y: p.Y, Z: sigma * rng.NormFloat64()}
		}
		if !planeTest(samplesOf(noisy, 0), 0, cfg) {
			rejected = true
			break
		}
	}
	assert.True(t, rejected, "growing out-of-plane noise never rejected the cluster")
}

func TestOctant(t *testing.T) {
	center := r3.Vec{X: 1, Y: 1, Z: 1}
	tests := []struct {
		p    r3.Vec
		want int
	}{
		{r3.Vec{X: 0, Y: 0, Z: 0}, 0},
		{r3.Vec{X: 2, Y: 0, Z: 0}, 1},
		{r3.Vec{X: 0, Y: 2, Z: 0}, 2},
		{r3.Vec{X: 0, Y: 0, Z: 2}, 4},
		{r3.Vec{X: 2, Y: 2, Z: 2}, 7},
		{center, 7},
	}
	for _, tt := range tests {
		if got := octant(tt.p, center); got != tt.want {
			t.Errorf("octant(%v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestChildCenter_ContainsOctant(t *testing.T) {
	center := r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}
	for o := 0; o < 8; o++ {
		c := childCenter(center, 0.5, o)
		if got := octant(c, center); got != o {
			t.Errorf("childCenter(%d) = %v lies in octant %d", o, c, got)
		}
		d := r3.Sub(c, center)
		for _, v := range []float64{d.X, d.Y, d.Z} {
			assert.InDelta(t, 0.25, abs(v), epsilon)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestArenaRecut_SplitsMixedCell(t *testing.T) {
	cfg := DefaultOctreeConfig()
	floor := gridPoints(r3.Vec{X: 0.05, Y: 0.05, Z: 0.3}, r3.Vec{X: 0.1}, r3.Vec{Y: 0.1}, 10, 10)
	wall := gridPoints(r3.Vec{X: 0.3, Y: 0.05, Z: 0.05}, r3.Vec{Y: 0.1}, r3.Vec{Z: 0.1}, 10, 10)

	var a octreeArena
	root := a.newNode(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, 0.5, 0)
	a.nodes[root].samples = append(samplesOf(floor, 0), samplesOf(wall, 1)...)
	a.recut(root, cfg)

	assert.Equal(t, nodeSplit, a.nodes[root].state)
	assert.Nil(t, a.nodes[root].samples, "split node kept its samples")

	total := 0
	for i := range a.nodes {
		n := a.nodes[i]
		assert.NotEqual(t, nodeUnresolved, n.state, "node %d left unresolved", i)
		assert.Less(t, n.depth, cfg.MaxDepth)
		assert.Nil(t, n.samples, "resolved node %d kept raw samples", i)
		if n.state == nodeAccepted {
			total += n.feature.Count()
		}
	}
	assert.Greater(t, total, 0, "no plane recovered from the mixed cell")

	acc := NewFeatureAccumulator()
	a.collect(root, acc)
	assert.Equal(t, countState(a, nodeAccepted), acc.Len())
}

func countState(a octreeArena, s nodeState) int {
	n := 0
	for i := range a.nodes {
		if a.nodes[i].state == s {
			n++
		}
	}
	return n
}

func TestArenaRecut_DuplicatesTerminate(t *testing.T) {
	cfg := DefaultOctreeConfig()
	dup := make([]r3.Vec, 5000)
	for i := range dup {
		dup[i] = r3.Vec{X: 0.123, Y: 0.456, Z: 0.789}
	}

	var a octreeArena
	root := a.newNode(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, 0.5, 0)
	a.nodes[root].samples = samplesOf(dup, 0)
	a.recut(root, cfg)

	assert.Equal(t, cfg.MaxDepth, len(a.nodes), "duplicates should descend one chain of nodes")
	assert.Equal(t, 0, countState(a, nodeAccepted))
	assert.Equal(t, nodeRejected, a.nodes[len(a.nodes)-1].state)
}

func TestAggregateSamples(t *testing.T) {
	samples := []sample{
		{world: r3.Vec{X: 10}, local: r3.Vec{X: 1}, pose: 3},
		{world: r3.Vec{X: 11}, local: r3.Vec{X: 2}, pose: 1},
		{world: r3.Vec{X: 12}, local: r3.Vec{X: 3}, pose: 3},
	}
	f := aggregateSamples(samples)

	assert.Equal(t, []int{1, 3}, f.PoseIDs())
	assert.Equal(t, 1, f.Stats[0].Count)
	assert.Equal(t, 2, f.Stats[1].Count)
	// statistics hold local coordinates
	assert.Equal(t, r3.Vec{X: 4}, f.Stats[1].Sum)
}

func TestNodeStateString(t *testing.T) {
	assert.Equal(t, "accepted-leaf", nodeAccepted.String())
	assert.Equal(t, "split", nodeSplit.String())
	assert.Equal(t, "unknown", nodeState(42).String())
}
