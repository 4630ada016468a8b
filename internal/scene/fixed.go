package scene

import "github.com/banshee-data/sceneinit/internal/geom"

// rigidMount is a sensor link bolted to its parent with no offset or rotation.
func rigidMount(parent, child string) FrameRelationship {
	return FrameRelationship{
		ParentFrame: parent,
		ChildFrame:  child,
		Translation: geom.Vector3{},
		Rotation:    geom.QuaternionFromRPY(0, 0, 0),
	}
}

// StaticFrames returns the frame relationships in emission order. With
// legacyDuplicate the base_link->gps_link relationship is listed twice, which
// reproduces the emission sequence of the node this replaces. The repeat
// carries no information and consumers treat it as a no-op update.
func StaticFrames(legacyDuplicate bool) []FrameRelationship {
	frames := []FrameRelationship{rigidMount(FrameBaseLink, FrameGPSLink)}
	if legacyDuplicate {
		frames = append(frames, rigidMount(FrameBaseLink, FrameGPSLink))
	}
	return append(frames,
		rigidMount(FrameBaseLink, FrameIMULink),
		rigidMount(FrameMap, FrameOdom),
	)
}

// InitialPose returns the pose estimate published once at startup.
func InitialPose() PoseEstimate {
	return PoseEstimate{
		Position:    geom.Vector3{X: 1.0, Y: -1.0, Z: 0.0},
		Orientation: geom.QuaternionFromRPY(0, 0, 0),
	}
}
