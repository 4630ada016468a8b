// Package geom holds the small vector and rotation value types carried by
// frame relationships and pose estimates.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/num/quat"
)

// UnitTolerance is the absolute tolerance used when checking that a
// quaternion has unit norm.
const UnitTolerance = 1e-9

// Vector3 is a translation or position in metres.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a rotation in x, y, z, w order.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuaternion returns the zero rotation (0, 0, 0, 1).
func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}

// QuaternionFromRPY builds a rotation from roll, pitch and yaw in radians
// using the fixed-axis XYZ convention (equivalently intrinsic ZYX), so
// q = yaw(z) * pitch(y) * roll(x). The result is always normalised.
func QuaternionFromRPY(roll, pitch, yaw float64) Quaternion {
	qx := axisRotation(roll, quat.Number{Imag: 1})
	qy := axisRotation(pitch, quat.Number{Jmag: 1})
	qz := axisRotation(yaw, quat.Number{Kmag: 1})
	return fromNumber(quat.Mul(quat.Mul(qz, qy), qx)).Normalize()
}

func axisRotation(angle float64, axis quat.Number) quat.Number {
	half := angle / 2
	return quat.Add(quat.Number{Real: math.Cos(half)}, quat.Scale(math.Sin(half), axis))
}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{X: n.Imag, Y: n.Jmag, Z: n.Kmag, W: n.Real}
}

// Norm returns the Euclidean norm of q.
func (q Quaternion) Norm() float64 {
	return quat.Abs(q.number())
}

// Normalize returns q scaled to unit norm. A zero (or non-finite) quaternion
// carries no rotation and normalises to the identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return IdentityQuaternion()
	}
	return fromNumber(quat.Scale(1/n, q.number()))
}

// IsUnit reports whether q has unit norm within tol.
func (q Quaternion) IsUnit(tol float64) bool {
	return scalar.EqualWithinAbs(q.Norm(), 1, tol)
}

// ApproxEqual reports whether every component of q and o differs by at most
// tol. q and -q describe the same rotation but are not considered equal here.
func (q Quaternion) ApproxEqual(o Quaternion, tol float64) bool {
	return scalar.EqualWithinAbs(q.X, o.X, tol) &&
		scalar.EqualWithinAbs(q.Y, o.Y, tol) &&
		scalar.EqualWithinAbs(q.Z, o.Z, tol) &&
		scalar.EqualWithinAbs(q.W, o.W, tol)
}

func (q Quaternion) String() string {
	return fmt.Sprintf("(%g, %g, %g, %g)", q.X, q.Y, q.Z, q.W)
}

func (v Vector3) String() string {
	return fmt.Sprintf("(%g, %g, %g)", v.X, v.Y, v.Z)
}
