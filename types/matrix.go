package types

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// All matrices are stored in row-major order.
type Mat2 [4]float32
type Mat3 f32.Mat3
type Mat4 f32.Mat4

// Mat2x3 is a 2 row by 3 column matrix such as the Jacobian of a camera projection.
type Mat2x3 [6]float32

// Sym2 builds a symmetric 2x2 matrix from its upper triangle (a, b, c).
func Sym2(a, b, c float32) Mat2 {
	return Mat2{a, b, b, c}
}

// Det returns the determinant.
func (m Mat2) Det() float32 {
	return m[0]*m[3] - m[1]*m[2]
}

// Inv returns the inverse of m. The caller must check the determinant first.
func (m Mat2) Inv() Mat2 {
	inv := 1 / m.Det()
	return Mat2{m[3] * inv, -m[1] * inv, -m[2] * inv, m[0] * inv}
}

// Add a matrix.
func (m Mat2) Add(m2 Mat2) Mat2 {
	return Mat2{m[0] + m2[0], m[1] + m2[1], m[2] + m2[2], m[3] + m2[3]}
}

// Mul2 returns m * m2.
func (m Mat2) Mul2(m2 Mat2) Mat2 {
	return Mat2{
		m[0]*m2[0] + m[1]*m2[2], m[0]*m2[1] + m[1]*m2[3],
		m[2]*m2[0] + m[3]*m2[2], m[2]*m2[1] + m[3]*m2[3],
	}
}

// Transpose returns m^T.
func (m Mat2) Transpose() Mat2 {
	return Mat2{m[0], m[2], m[1], m[3]}
}

// Scale multiplies all elements with s.
func (m Mat2) Scale(s float32) Mat2 {
	return Mat2{m[0] * s, m[1] * s, m[2] * s, m[3] * s}
}

// InvVJP back-propagates the gradient of inv = m^-1 into m.
func (inv Mat2) InvVJP(vInv Mat2) Mat2 {
	it := inv.Transpose()
	return it.Mul2(vInv).Mul2(it).Scale(-1)
}

// Ident3 returns the 3x3 identity matrix.
func Ident3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Diag3 returns a diagonal matrix.
func Diag3(v Vec3) Mat3 {
	return Mat3{v[0], 0, 0, 0, v[1], 0, 0, 0, v[2]}
}

// SymFromUpper builds a symmetric matrix from its upper triangle
// (xx, xy, xz, yy, yz, zz).
func SymFromUpper(u []float32) Mat3 {
	return Mat3{
		u[0], u[1], u[2],
		u[1], u[3], u[4],
		u[2], u[4], u[5],
	}
}

// Upper returns the upper triangle (xx, xy, xz, yy, yz, zz).
func (m Mat3) Upper() [6]float32 {
	return [6]float32{m[0], m[1], m[2], m[4], m[5], m[8]}
}

// SymUpperVJP folds the gradient of a symmetric matrix built with
// SymFromUpper back onto its 6 upper triangle inputs.
func (m Mat3) SymUpperVJP() [6]float32 {
	return [6]float32{m[0], m[1] + m[3], m[2] + m[6], m[4], m[5] + m[7], m[8]}
}

// At returns the element at row r, column c.
func (m Mat3) At(r, c int) float32 {
	return m[r*3+c]
}

// Row returns row r as a vector.
func (m Mat3) Row(r int) Vec3 {
	return Vec3{m[r*3], m[r*3+1], m[r*3+2]}
}

// Col returns column c as a vector.
func (m Mat3) Col(c int) Vec3 {
	return Vec3{m[c], m[3+c], m[6+c]}
}

// Add a matrix.
func (m Mat3) Add(m2 Mat3) Mat3 {
	var out Mat3
	for i := range out {
		out[i] = m[i] + m2[i]
	}
	return out
}

// Scale multiplies all elements with s.
func (m Mat3) Scale(s float32) Mat3 {
	var out Mat3
	for i := range out {
		out[i] = m[i] * s
	}
	return out
}

// Transpose returns m^T.
func (m Mat3) Transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Mul3 returns m * m2.
func (m Mat3) Mul3(m2 Mat3) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = m[r*3]*m2[c] + m[r*3+1]*m2[3+c] + m[r*3+2]*m2[6+c]
		}
	}
	return out
}

// MulVec returns m * v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// Det returns the determinant.
func (m Mat3) Det() float32 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Inv returns the inverse of m or the zero matrix if m is singular.
func (m Mat3) Inv() Mat3 {
	det := m.Det()
	if det == 0 {
		return Mat3{}
	}
	inv := 1 / det
	return Mat3{
		(m[4]*m[8] - m[5]*m[7]) * inv,
		(m[2]*m[7] - m[1]*m[8]) * inv,
		(m[1]*m[5] - m[2]*m[4]) * inv,
		(m[5]*m[6] - m[3]*m[8]) * inv,
		(m[0]*m[8] - m[2]*m[6]) * inv,
		(m[2]*m[3] - m[0]*m[5]) * inv,
		(m[3]*m[7] - m[4]*m[6]) * inv,
		(m[1]*m[6] - m[0]*m[7]) * inv,
		(m[0]*m[4] - m[1]*m[3]) * inv,
	}
}

// Sandwich returns m * s * m^T.
func (m Mat3) Sandwich(s Mat3) Mat3 {
	return m.Mul3(s).Mul3(m.Transpose())
}

// MulVec returns j * v.
func (j Mat2x3) MulVec(v Vec3) Vec2 {
	return Vec2{
		j[0]*v[0] + j[1]*v[1] + j[2]*v[2],
		j[3]*v[0] + j[4]*v[1] + j[5]*v[2],
	}
}

// TMulVec returns j^T * v.
func (j Mat2x3) TMulVec(v Vec2) Vec3 {
	return Vec3{
		j[0]*v[0] + j[3]*v[1],
		j[1]*v[0] + j[4]*v[1],
		j[2]*v[0] + j[5]*v[1],
	}
}

// Sandwich returns j * s * j^T.
func (j Mat2x3) Sandwich(s Mat3) Mat2 {
	// t = j * s (2x3)
	var t Mat2x3
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			t[r*3+c] = j[r*3]*s[c] + j[r*3+1]*s[3+c] + j[r*3+2]*s[6+c]
		}
	}
	var out Mat2
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			out[r*2+c] = t[r*3]*j[c*3] + t[r*3+1]*j[c*3+1] + t[r*3+2]*j[c*3+2]
		}
	}
	return out
}

// SandwichVJP back-propagates the gradient of cov = j * s * j^T into j and s.
func (j Mat2x3) SandwichVJP(s Mat3, vCov Mat2) (vJ Mat2x3, vS Mat3) {
	// vS = j^T vCov j
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var acc float32
			for a := 0; a < 2; a++ {
				for b := 0; b < 2; b++ {
					acc += j[a*3+r] * vCov[a*2+b] * j[b*3+c]
				}
			}
			vS[r*3+c] = acc
		}
	}

	// vJ = vCov j s^T + vCov^T j s
	st := s.Transpose()
	vt := vCov.Transpose()
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			var acc float32
			for a := 0; a < 2; a++ {
				for k := 0; k < 3; k++ {
					acc += vCov[r*2+a]*j[a*3+k]*st[k*3+c] + vt[r*2+a]*j[a*3+k]*s[k*3+c]
				}
			}
			vJ[r*3+c] = acc
		}
	}
	return vJ, vS
}

// SandwichVJP back-propagates the gradient of out = r * s * r^T into r and s.
func (m Mat3) SandwichVJP(s Mat3, vOut Mat3) (vR Mat3, vS Mat3) {
	mt := m.Transpose()
	vS = mt.Mul3(vOut).Mul3(m)
	vR = vOut.Mul3(m).Mul3(s.Transpose()).Add(vOut.Transpose().Mul3(m).Mul3(s))
	return vR, vS
}

// InvVJP back-propagates the gradient of inv = m^-1 into m.
func (inv Mat3) InvVJP(vInv Mat3) Mat3 {
	it := inv.Transpose()
	return it.Mul3(vInv).Mul3(it).Scale(-1)
}

// Ident4 returns the 4x4 identity matrix.
func Ident4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mat4FromSlice copies 16 row-major values into a Mat4.
func Mat4FromSlice(s []float32) Mat4 {
	var m Mat4
	copy(m[:], s[:16])
	return m
}

// Rotation returns the top-left 3x3 block.
func (m Mat4) Rotation() Mat3 {
	return Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// Translation returns the translation column.
func (m Mat4) Translation() Vec3 {
	return Vec3{m[3], m[7], m[11]}
}

// Mul4 returns m * m2.
func (m Mat4) Mul4(m2 Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var acc float32
			for k := 0; k < 4; k++ {
				acc += m[r*4+k] * m2[k*4+c]
			}
			out[r*4+c] = acc
		}
	}
	return out
}

// TransformPoint applies the affine part of m to p.
func (m Mat4) TransformPoint(p Vec3) Vec3 {
	return m.Rotation().MulVec(p).Add(m.Translation())
}

// LookAtV builds a world to camera transform for a camera at eye looking at
// center. The camera looks down +Z with +Y pointing down in image space.
func LookAtV(eye, center, up Vec3) Mat4 {
	f := center.Sub(eye).Normalize()
	s := f.Cross(up).Normalize()
	u := f.Cross(s)

	return Mat4{
		s[0], s[1], s[2], -s.Dot(eye),
		u[0], u[1], u[2], -u.Dot(eye),
		f[0], f[1], f[2], -f.Dot(eye),
		0, 0, 0, 1,
	}
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}
