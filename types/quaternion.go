package types

import "github.com/chewxy/math32"

// Quat is a rotation quaternion with vector part V and scalar part W.
type Quat struct {
	V Vec3
	W float32
}

// Create identity quaternion.
func QuatIdent() Quat {
	return Quat{W: 1}
}

// QuatWXYZ builds a quaternion from (w, x, y, z) components, the order used
// by Gaussian rotation buffers.
func QuatWXYZ(q []float32) Quat {
	return Quat{V: Vec3{q[1], q[2], q[3]}, W: q[0]}
}

// WXYZ returns the components in (w, x, y, z) order.
func (q Quat) WXYZ() [4]float32 {
	return [4]float32{q.W, q.V[0], q.V[1], q.V[2]}
}

// Create a quaternion from an axis vector and an angle.
func QuatFromAxisAngle(axis Vec3, angle float32) Quat {
	sin, cos := math32.Sincos(angle * 0.5)
	return Quat{V: axis.Mul(sin), W: cos}
}

// Rotates a vector by the rotation this quaternion represents.
func (q Quat) Rotate(v Vec3) Vec3 {
	cross := q.V.Cross(v)
	// v + 2q_w * (q_v x v) + 2q_v x (q_v x v)
	return v.Add(cross.Mul(2 * q.W)).Add(q.V.Mul(2).Cross(cross))
}

// Multiplies two quaternions. Multiplication is not commutative.
func (q Quat) Mul(q2 Quat) Quat {
	return Quat{
		q.V.Cross(q2.V).Add(q2.V.Mul(q.W)).Add(q.V.Mul(q2.W)),
		q.W*q2.W - q.V.Dot(q2.V),
	}
}

// Returns the norm of the quaternion.
func (q Quat) Len() float32 {
	return math32.Sqrt(q.W*q.W + q.V.Dot(q.V))
}

// Normalize returns the unit quaternion. The zero quaternion normalizes to identity.
func (q Quat) Normalize() Quat {
	length := q.Len()
	if length == 0 {
		return QuatIdent()
	}
	return Quat{q.V.Mul(1 / length), q.W / length}
}

// RotMat returns the 3x3 rotation matrix of the normalized quaternion.
func (q Quat) RotMat() Mat3 {
	n := q.Normalize()
	w, x, y, z := n.W, n.V[0], n.V[1], n.V[2]
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// RotMatVJP back-propagates the gradient of RotMat into the (unnormalized)
// quaternion, accounting for the normalization step.
func (q Quat) RotMatVJP(vR Mat3) Quat {
	length := q.Len()
	if length == 0 {
		return Quat{}
	}
	n := Quat{q.V.Mul(1 / length), q.W / length}
	w, x, y, z := n.W, n.V[0], n.V[1], n.V[2]

	vw := 2 * (x*(vR[7]-vR[5]) + y*(vR[2]-vR[6]) + z*(vR[3]-vR[1]))
	vx := 2 * (-2*x*(vR[4]+vR[8]) + y*(vR[1]+vR[3]) + z*(vR[2]+vR[6]) + w*(vR[7]-vR[5]))
	vy := 2 * (x*(vR[1]+vR[3]) - 2*y*(vR[0]+vR[8]) + z*(vR[5]+vR[7]) + w*(vR[2]-vR[6]))
	vz := 2 * (x*(vR[2]+vR[6]) + y*(vR[5]+vR[7]) - 2*z*(vR[0]+vR[4]) + w*(vR[3]-vR[1]))

	// Project out the radial component of the normalization.
	dot := w*vw + x*vx + y*vy + z*vz
	inv := 1 / length
	return Quat{
		V: Vec3{(vx - x*dot) * inv, (vy - y*dot) * inv, (vz - z*dot) * inv},
		W: (vw - w*dot) * inv,
	}
}
