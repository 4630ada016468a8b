// Package scene publishes the fixed startup description of the robot: the
// static frame relationships between its sensor links and the map/odom frames,
// and the initial pose estimate.
package scene

import (
	"errors"
	"fmt"

	"github.com/banshee-data/sceneinit/internal/geom"
)

// Frame identifiers used by the startup scene.
const (
	FrameBaseLink = "base_link"
	FrameGPSLink  = "gps_link"
	FrameIMULink  = "imu_link"
	FrameMap      = "map"
	FrameOdom     = "odom"
)

var (
	// ErrNonUnitRotation is returned when a rotation quaternion is not
	// unit-norm within geom.UnitTolerance.
	ErrNonUnitRotation = errors.New("rotation is not a unit quaternion")

	// ErrInvalidFrame is returned for empty or self-referencing frame ids.
	ErrInvalidFrame = errors.New("invalid frame id")
)

// FrameRelationship declares where ChildFrame sits relative to ParentFrame.
type FrameRelationship struct {
	ParentFrame string          `json:"parent_frame"`
	ChildFrame  string          `json:"child_frame"`
	Translation geom.Vector3    `json:"translation"`
	Rotation    geom.Quaternion `json:"rotation"`
}

// Validate checks the frame ids and that Rotation is unit-norm.
func (f FrameRelationship) Validate() error {
	if f.ParentFrame == "" || f.ChildFrame == "" {
		return fmt.Errorf("%w: parent %q, child %q", ErrInvalidFrame, f.ParentFrame, f.ChildFrame)
	}
	if f.ParentFrame == f.ChildFrame {
		return fmt.Errorf("%w: %q is its own parent", ErrInvalidFrame, f.ChildFrame)
	}
	if !f.Rotation.IsUnit(geom.UnitTolerance) {
		return fmt.Errorf("%w: %s has norm %g", ErrNonUnitRotation, f.Rotation, f.Rotation.Norm())
	}
	return nil
}

func (f FrameRelationship) String() string {
	return fmt.Sprintf("%s->%s t=%s r=%s", f.ParentFrame, f.ChildFrame, f.Translation, f.Rotation)
}

// PoseEstimate is a position and orientation in the frame implied by the
// channel it is published on (the map frame for the pose topic).
type PoseEstimate struct {
	Position    geom.Vector3    `json:"position"`
	Orientation geom.Quaternion `json:"orientation"`
	// Covariance is the row-major 6x6 covariance over x, y, z and rotation
	// about x, y, z. The startup pose carries none.
	Covariance [36]float64 `json:"covariance"`
}

// Validate checks that Orientation is unit-norm.
func (p PoseEstimate) Validate() error {
	if !p.Orientation.IsUnit(geom.UnitTolerance) {
		return fmt.Errorf("%w: %s has norm %g", ErrNonUnitRotation, p.Orientation, p.Orientation.Norm())
	}
	return nil
}

func (p PoseEstimate) String() string {
	return fmt.Sprintf("pose p=%s q=%s", p.Position, p.Orientation)
}
