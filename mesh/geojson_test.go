package mesh

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func squareTrajectory() []Pose {
	return []Pose{
		poseAt(r3.Vec{}, r3.Vec{X: 0, Y: 0, Z: 1}),
		poseAt(r3.Vec{Z: math.Pi / 2}, r3.Vec{X: 3, Y: 0, Z: 1.1}),
		poseAt(r3.Vec{Z: math.Pi}, r3.Vec{X: 3, Y: 4, Z: 1.2}),
	}
}

func TestTrajectoryToFeatureCollection(t *testing.T) {
	poses := squareTrajectory()
	poses[2].Timestamp = 9.5
	fc := TrajectoryToFeatureCollection(poses)

	require.Len(t, fc.Features, 4)

	line := fc.Features[0]
	ls, ok := line.Geometry.(orb.LineString)
	require.True(t, ok, "first feature should be a LineString, got %T", line.Geometry)
	assert.Equal(t, orb.LineString{{0, 0}, {3, 0}, {3, 4}}, ls)
	assert.Equal(t, "trajectory", line.Properties["kind"])
	assert.Equal(t, 3, line.Properties["poses"])
	assert.InDelta(t, 7.0, line.Properties["length"], 1e-12)

	for i, f := range fc.Features[1:] {
		pt, ok := f.Geometry.(orb.Point)
		require.True(t, ok)
		assert.Equal(t, ls[i], pt)
		assert.Equal(t, "pose", f.Properties["kind"])
		assert.Equal(t, i, f.Properties["index"])
		assert.Equal(t, poses[i].Translation.Z, f.Properties["z"])
	}
	assert.InDelta(t, math.Pi/2, fc.Features[2].Properties["yaw"], 1e-12)
	assert.Equal(t, 9.5, fc.Features[3].Properties["timestamp"])

	assert.Equal(t, geojson.BBox{0, 0, 3, 4}, fc.BBox)
}

func TestTrajectoryToFeatureCollection_Empty(t *testing.T) {
	fc := TrajectoryToFeatureCollection(nil)
	assert.Empty(t, fc.Features)
	assert.Nil(t, fc.BBox)
}

func TestSaveTrajectoryGeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps", "trajectory.geojson")
	require.NoError(t, SaveTrajectoryGeoJSON(path, squareTrajectory()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)

	require.Len(t, fc.Features, 4)
	assert.Equal(t, "LineString", fc.Features[0].Geometry.GeoJSONType())
	assert.Equal(t, "pose", fc.Features[1].Properties.MustString("kind"))
	assert.Equal(t, 2, fc.Features[3].Properties.MustInt("index"))
}
