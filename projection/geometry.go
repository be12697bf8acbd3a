package projection

import (
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/types"
)

// rayGeometry describes where a pixel ray near the projected mean meets the
// Gaussian's density maximum. For a pixel offset d from the projected mean the
// distance along the pixel ray is approximately t + plane.d.
type rayGeometry struct {
	t      float32
	plane  types.Vec2
	normal types.Vec3
}

// computeRayGeometry evaluates the ray geometry for camera-space mean mu and
// inverse camera-space covariance a. The bool result is false for degenerate
// covariances.
func computeRayGeometry(model scene.CameraModel, k intrinsics, mu types.Vec3, a types.Mat3) (rayGeometry, bool) {
	if model == scene.Ortho {
		w := a.Col(2)
		azz := a.At(2, 2)
		if azz <= 0 {
			return rayGeometry{}, false
		}
		return rayGeometry{
			t:      mu[2],
			plane:  types.Vec2{-a.At(2, 0) / (azz * k.fx), -a.At(2, 1) / (azz * k.fy)},
			normal: w.Normalize().Mul(-1),
		}, true
	}

	w := a.MulVec(mu)
	m := mu.Dot(w)
	l := mu.Len()
	if m <= 0 || l == 0 {
		return rayGeometry{}, false
	}
	q := mu.Mul(1 / l).Sub(w.Mul(l / m))
	z := mu[2]
	return rayGeometry{
		t:      l,
		plane:  types.Vec2{z * q[0] / k.fx, z * q[1] / k.fy},
		normal: w.Normalize().Mul(-1),
	}, true
}

// rayGeometryVJP back-propagates gradients of the ray geometry into the
// camera-space mean and the inverse covariance.
func rayGeometryVJP(model scene.CameraModel, k intrinsics, mu types.Vec3, a types.Mat3, vT float32, vPlane types.Vec2, vNormal types.Vec3) (types.Vec3, types.Mat3) {
	var vMu types.Vec3
	var vA types.Mat3

	if model == scene.Ortho {
		azz := a.At(2, 2)
		if azz <= 0 {
			return vMu, vA
		}
		vMu[2] += vT

		px, py := vPlane[0]/k.fx, vPlane[1]/k.fy
		vA[6] += -px / azz
		vA[7] += -py / azz
		vA[8] += (px*a.At(2, 0) + py*a.At(2, 1)) / (azz * azz)

		vW := a.Col(2).NormalizeVJP(vNormal.Mul(-1))
		vA[2] += vW[0]
		vA[5] += vW[1]
		vA[8] += vW[2]
		return vMu, vA
	}

	w := a.MulVec(mu)
	m := mu.Dot(w)
	l := mu.Len()
	if m <= 0 || l == 0 {
		return vMu, vA
	}
	q := mu.Mul(1 / l).Sub(w.Mul(l / m))
	z := mu[2]

	// plane = z * q.xy / f
	vP := types.Vec3{vPlane[0] / k.fx, vPlane[1] / k.fy, 0}
	vMu[2] += vP.Dot(q)
	vQ := vP.Mul(z)

	// q = mu/l - (l/m) w
	vMu = vMu.Add(mu.NormalizeVJP(vQ))
	s := vQ.Dot(w)
	vL := -s/m + vT
	vM := s * l / (m * m)
	vW := vQ.Mul(-l / m)

	// l = |mu| and m = mu.w
	vMu = vMu.Add(mu.Mul(vL / l)).Add(w.Mul(vM))
	vW = vW.Add(mu.Mul(vM))

	// normal = -normalize(w)
	vW = vW.Add(w.NormalizeVJP(vNormal.Mul(-1)))

	// w = a mu
	vA = vW.Outer(mu)
	vMu = vMu.Add(a.Transpose().MulVec(vW))
	return vMu, vA
}
