package mesh

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// nodeState is the resolution state of an octree node.
type nodeState uint8

const (
	nodeUnresolved nodeState = iota
	nodeAccepted
	nodeRejected
	nodeSplit
)

func (s nodeState) String() string {
	switch s {
	case nodeUnresolved:
		return "unresolved"
	case nodeAccepted:
		return "accepted-leaf"
	case nodeRejected:
		return "rejected-leaf"
	case nodeSplit:
		return "split"
	default:
		return "unknown"
	}
}

const noChild int32 = -1

// sample is one inserted point: its common-frame position drives the plane
// test and subdivision, its local position feeds the per-pose statistics.
type sample struct {
	world r3.Vec
	local r3.Vec
	pose  int32
}

// octreeNode is a cubic cell. Children are arena indices, noChild when absent.
type octreeNode struct {
	state    nodeState
	depth    int
	center   r3.Vec
	half     float64
	samples  []sample
	feature  PlaneFeature
	children [8]int32
}

// octreeArena owns every node of every tree in a SpatialIndex so the whole
// forest can be released at once.
type octreeArena struct {
	nodes []octreeNode
}

func (a *octreeArena) newNode(center r3.Vec, half float64, depth int) int32 {
	idx := int32(len(a.nodes))
	n := octreeNode{depth: depth, center: center, half: half}
	for i := range n.children {
		n.children[i] = noChild
	}
	a.nodes = append(a.nodes, n)
	return idx
}

// recut resolves the node at idx and, when it splits, all of its descendants.
func (a *octreeArena) recut(idx int32, cfg OctreeConfig) {
	n := &a.nodes[idx]
	if n.state != nodeUnresolved {
		return
	}

	if planeTest(n.samples, n.depth, cfg) {
		n.feature = aggregateSamples(n.samples)
		n.samples = nil
		n.state = nodeAccepted
		return
	}

	if n.depth+1 >= cfg.MaxDepth || len(n.samples) <= cfg.MinSplitSamples {
		n.samples = nil
		n.state = nodeRejected
		return
	}

	samples := n.samples
	center, half, depth := n.center, n.half, n.depth
	n.samples = nil
	n.state = nodeSplit

	var buckets [8][]sample
	for _, s := range samples {
		o := octant(s.world, center)
		buckets[o] = append(buckets[o], s)
	}
	for o := range buckets {
		if len(buckets[o]) == 0 {
			continue
		}
		// newNode may grow the arena; n is stale past this point
		child := a.newNode(childCenter(center, half, o), half/2, depth+1)
		a.nodes[child].samples = buckets[o]
		a.nodes[idx].children[o] = child
	}
	for o := 0; o < 8; o++ {
		if c := a.nodes[idx].children[o]; c != noChild {
			a.recut(c, cfg)
		}
	}
}

// collect appends every accepted leaf below idx, depth first, children in
// octant order.
func (a *octreeArena) collect(idx int32, acc *FeatureAccumulator) {
	n := &a.nodes[idx]
	switch n.state {
	case nodeAccepted:
		acc.Append(n.feature)
	case nodeSplit:
		for _, c := range n.children {
			if c != noChild {
				a.collect(c, acc)
			}
		}
	}
}

func (a *octreeArena) release() {
	a.nodes = nil
}

// degenerateRatio bounds the middle eigenvalue relative to the largest one:
// below it the cluster is a line or a point up to rounding.
const degenerateRatio = 1e-10

// planeTest accepts a cluster that has enough samples, sits above the depth
// limit, and whose smallest covariance eigenvalue is below ratio times the
// largest. Collinear and coincident clusters have a vanishing middle
// eigenvalue and are rejected. Samples are shifted by the first one so
// coincident points produce an exactly zero covariance.
func planeTest(samples []sample, depth int, cfg OctreeConfig) bool {
	if len(samples) < cfg.MinSamples || depth >= cfg.MaxDepth || len(samples) == 0 {
		return false
	}
	origin := samples[0].world
	var m Moments
	for _, s := range samples {
		m.Add(r3.Sub(s.world, origin))
	}
	_, cov := m.Covariance()
	vals, _, ok := eigenSym3(cov)
	if !ok {
		return false
	}
	thr := cfg.PlanarityRatio
	return vals[0] < thr*vals[2] && vals[1] > degenerateRatio*vals[2]
}

// aggregateSamples reduces raw samples to per-pose local statistics.
func aggregateSamples(samples []sample) PlaneFeature {
	stats := make(map[int]*Moments)
	for _, s := range samples {
		m, ok := stats[int(s.pose)]
		if !ok {
			m = &Moments{}
			stats[int(s.pose)] = m
		}
		m.Add(s.local)
	}
	return newPlaneFeature(stats)
}

// octant numbers the children: bit 0 is +x, bit 1 is +y, bit 2 is +z.
func octant(p, center r3.Vec) int {
	o := 0
	if p.X >= center.X {
		o |= 1
	}
	if p.Y >= center.Y {
		o |= 2
	}
	if p.Z >= center.Z {
		o |= 4
	}
	return o
}

func childCenter(center r3.Vec, half float64, o int) r3.Vec {
	q := half / 2
	c := r3.Vec{X: center.X - q, Y: center.Y - q, Z: center.Z - q}
	if o&1 != 0 {
		c.X += half
	}
	if o&2 != 0 {
		c.Y += half
	}
	if o&4 != 0 {
		c.Z += half
	}
	return c
}
