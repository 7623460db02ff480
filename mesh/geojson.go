package mesh

import (
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
)

// TrajectoryToFeatureCollection projects a trajectory onto the XY plane.
// The collection holds one LineString for the path followed by one Point
// per pose. Heights and headings are kept as properties.
func TrajectoryToFeatureCollection(poses []Pose) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if len(poses) == 0 {
		return fc
	}

	path := make(orb.LineString, len(poses))
	for i, p := range poses {
		path[i] = orb.Point{p.Translation.X, p.Translation.Y}
	}

	line := geojson.NewFeature(path)
	line.Properties["kind"] = "trajectory"
	line.Properties["poses"] = len(poses)
	line.Properties["length"] = planar.Length(path)
	fc.Append(line)

	for i, p := range poses {
		pt := geojson.NewFeature(path[i])
		pt.Properties["kind"] = "pose"
		pt.Properties["index"] = i
		pt.Properties["timestamp"] = p.Timestamp
		pt.Properties["z"] = p.Translation.Z
		pt.Properties["yaw"] = Yaw(p.Rotation)
		fc.Append(pt)
	}

	fc.BBox = geojson.NewBBox(path.Bound())
	return fc
}

// SaveTrajectoryGeoJSON writes the trajectory collection to path.
func SaveTrajectoryGeoJSON(path string, poses []Pose) error {
	data, err := TrajectoryToFeatureCollection(poses).MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "marshaling trajectory GeoJSON")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating GeoJSON directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "writing GeoJSON file")
	}
	return nil
}
