package mesh

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// KeyFor returns the voxel containing p for the given edge length.
func KeyFor(p r3.Vec, size float64) VoxelKey {
	return VoxelKey{
		X: int64(math.Floor(p.X / size)),
		Y: int64(math.Floor(p.Y / size)),
		Z: int64(math.Floor(p.Z / size)),
	}
}

// IndexStats summarizes a SpatialIndex.
type IndexStats struct {
	Voxels   int `json:"voxels"`
	Nodes    int `json:"nodes"`
	Points   int `json:"points"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Split    int `json:"split"`
}

// SpatialIndex maps voxel keys to octree roots. It is built for one
// optimization round: Insert every pose, Recut, Collect, then Release.
type SpatialIndex struct {
	cfg    OctreeConfig
	roots  map[VoxelKey]int32
	arena  octreeArena
	points int
}

// NewSpatialIndex creates an empty index.
func NewSpatialIndex(cfg OctreeConfig) *SpatialIndex {
	return &SpatialIndex{
		cfg:   cfg,
		roots: make(map[VoxelKey]int32),
	}
}

// Insert transforms cloud through pose and buckets each point into the root
// of its voxel, tagged with poseID. Points must be inserted before Recut.
func (si *SpatialIndex) Insert(cloud Cloud, pose Pose, poseID int) {
	size := si.cfg.VoxelSize
	for _, q := range cloud {
		w := pose.Apply(q)
		key := KeyFor(w, size)
		idx, ok := si.roots[key]
		if !ok {
			center := r3.Vec{
				X: (float64(key.X) + 0.5) * size,
				Y: (float64(key.Y) + 0.5) * size,
				Z: (float64(key.Z) + 0.5) * size,
			}
			idx = si.arena.newNode(center, size/2, 0)
			si.roots[key] = idx
		}
		n := &si.arena.nodes[idx]
		n.samples = append(n.samples, sample{world: w, local: q, pose: int32(poseID)})
	}
	si.points += len(cloud)
}

// Recut resolves every root.
func (si *SpatialIndex) Recut() {
	for _, key := range si.sortedKeys() {
		si.arena.recut(si.roots[key], si.cfg)
	}
}

// Collect appends the accepted features of every root, roots in key order.
func (si *SpatialIndex) Collect(acc *FeatureAccumulator) {
	for _, key := range si.sortedKeys() {
		si.arena.collect(si.roots[key], acc)
	}
}

// Release drops every node and root in one step. The index is empty but
// reusable afterwards.
func (si *SpatialIndex) Release() {
	si.arena.release()
	si.roots = make(map[VoxelKey]int32)
	si.points = 0
}

// Stats counts voxels, nodes and node states.
func (si *SpatialIndex) Stats() IndexStats {
	st := IndexStats{
		Voxels: len(si.roots),
		Nodes:  len(si.arena.nodes),
		Points: si.points,
	}
	for i := range si.arena.nodes {
		switch si.arena.nodes[i].state {
		case nodeAccepted:
			st.Accepted++
		case nodeRejected:
			st.Rejected++
		case nodeSplit:
			st.Split++
		}
	}
	return st
}

// maxDepth returns the deepest node depth, -1 for an empty index.
func (si *SpatialIndex) maxDepth() int {
	d := -1
	for i := range si.arena.nodes {
		if si.arena.nodes[i].depth > d {
			d = si.arena.nodes[i].depth
		}
	}
	return d
}

func (si *SpatialIndex) sortedKeys() []VoxelKey {
	keys := make([]VoxelKey, 0, len(si.roots))
	for k := range si.roots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
