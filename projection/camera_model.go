package projection

import (
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

const fisheyeEps = 1e-7

type intrinsics struct {
	fx, fy, cx, cy float32
}

func intrinsicsAt(ks []float32, c int) intrinsics {
	k := ks[c*9 : c*9+9]
	return intrinsics{fx: k[0], fy: k[4], cx: k[2], cy: k[5]}
}

// A lens maps camera-space points to pixels. Implementations return the
// projected point together with the Jacobian used for the EWA covariance
// transform, and back-propagate gradients of both into the point.
type lens interface {
	project(p types.Vec3) (types.Vec2, types.Mat2x3)
	projectVJP(p types.Vec3, vMean2D types.Vec2, vJ types.Mat2x3) types.Vec3
}

func lensFor(model scene.CameraModel, k intrinsics, width, height int) lens {
	switch model {
	case scene.Ortho:
		return orthoLens{k}
	case scene.Fisheye:
		return fisheyeLens{k}
	default:
		tanFovX := 0.5 * float32(width) / k.fx
		tanFovY := 0.5 * float32(height) / k.fy
		return pinholeLens{
			k:       k,
			limXPos: (float32(width)-k.cx)/k.fx + 0.3*tanFovX,
			limXNeg: k.cx/k.fx + 0.3*tanFovX,
			limYPos: (float32(height)-k.cy)/k.fy + 0.3*tanFovY,
			limYNeg: k.cy/k.fy + 0.3*tanFovY,
		}
	}
}

// pinholeLens clamps the Jacobian evaluation point to 1.3x the field of view
// to keep off-screen Gaussians from exploding.
type pinholeLens struct {
	k                                  intrinsics
	limXPos, limXNeg, limYPos, limYNeg float32
}

func (l pinholeLens) project(p types.Vec3) (types.Vec2, types.Mat2x3) {
	x, y, z := p[0], p[1], p[2]
	rz := 1 / z
	rz2 := rz * rz
	tx := z * types.Clamp(x*rz, -l.limXNeg, l.limXPos)
	ty := z * types.Clamp(y*rz, -l.limYNeg, l.limYPos)

	return types.Vec2{l.k.fx*x*rz + l.k.cx, l.k.fy*y*rz + l.k.cy},
		types.Mat2x3{
			l.k.fx * rz, 0, -l.k.fx * tx * rz2,
			0, l.k.fy * rz, -l.k.fy * ty * rz2,
		}
}

func (l pinholeLens) projectVJP(p types.Vec3, vMean2D types.Vec2, vJ types.Mat2x3) types.Vec3 {
	x, y, z := p[0], p[1], p[2]
	fx, fy := l.k.fx, l.k.fy
	rz := 1 / z
	rz2 := rz * rz
	rz3 := rz2 * rz

	v := types.Vec3{
		fx * rz * vMean2D[0],
		fy * rz * vMean2D[1],
		-(fx*x*vMean2D[0] + fy*y*vMean2D[1]) * rz2,
	}

	// Diagonal terms fx/z and fy/z.
	v[2] += -fx*rz2*vJ[0] - fy*rz2*vJ[4]

	// Depth column; clamped coordinates only depend on z.
	if xr := x * rz; xr <= l.limXPos && xr >= -l.limXNeg {
		v[0] += -fx * rz2 * vJ[2]
		v[2] += 2 * fx * x * rz3 * vJ[2]
	} else {
		tx := z * types.Clamp(xr, -l.limXNeg, l.limXPos)
		v[2] += fx * tx * rz3 * vJ[2]
	}
	if yr := y * rz; yr <= l.limYPos && yr >= -l.limYNeg {
		v[1] += -fy * rz2 * vJ[5]
		v[2] += 2 * fy * y * rz3 * vJ[5]
	} else {
		ty := z * types.Clamp(yr, -l.limYNeg, l.limYPos)
		v[2] += fy * ty * rz3 * vJ[5]
	}
	return v
}

type orthoLens struct {
	k intrinsics
}

func (l orthoLens) project(p types.Vec3) (types.Vec2, types.Mat2x3) {
	return types.Vec2{l.k.fx*p[0] + l.k.cx, l.k.fy*p[1] + l.k.cy},
		types.Mat2x3{
			l.k.fx, 0, 0,
			0, l.k.fy, 0,
		}
}

func (l orthoLens) projectVJP(_ types.Vec3, vMean2D types.Vec2, _ types.Mat2x3) types.Vec3 {
	return types.Vec3{l.k.fx * vMean2D[0], l.k.fy * vMean2D[1], 0}
}

// fisheyeLens implements the equidistant model r_img = f * theta.
type fisheyeLens struct {
	k intrinsics
}

type fisheyeTerms struct {
	r2, r, q, theta float32
	a, b, c         float32
}

func fisheyeTermsAt(p types.Vec3) fisheyeTerms {
	x, y, z := p[0], p[1], p[2]
	t := fisheyeTerms{}
	t.r2 = x*x + y*y + fisheyeEps
	t.r = math32.Sqrt(t.r2)
	t.q = t.r2 + z*z
	t.theta = math32.Atan2(t.r, z)
	t.a = z / (t.r2 * t.q)
	t.b = t.theta / (t.r2 * t.r)
	t.c = 1 / t.q
	return t
}

func (l fisheyeLens) project(p types.Vec3) (types.Vec2, types.Mat2x3) {
	x, y := p[0], p[1]
	fx, fy := l.k.fx, l.k.fy
	t := fisheyeTermsAt(p)
	scale := t.theta / t.r

	return types.Vec2{fx*x*scale + l.k.cx, fy*y*scale + l.k.cy},
		types.Mat2x3{
			fx * (x*x*t.a + (t.r2-x*x)*t.b), fx * x * y * (t.a - t.b), -fx * x * t.c,
			fy * x * y * (t.a - t.b), fy * (y*y*t.a + (t.r2-y*y)*t.b), -fy * y * t.c,
		}
}

func (l fisheyeLens) projectVJP(p types.Vec3, vMean2D types.Vec2, vJ types.Mat2x3) types.Vec3 {
	x, y, z := p[0], p[1], p[2]
	fx, fy := l.k.fx, l.k.fy
	t := fisheyeTermsAt(p)

	// The Jacobian is exact for the mean so the mean gradient is J^T v.
	_, jac := l.project(p)
	v := jac.TMulVec(vMean2D)

	r2q := t.r2 * t.q
	r4 := t.r2 * t.r2
	q2 := t.q * t.q
	ax := -2 * x * z * (t.q + t.r2) / (r2q * r2q)
	ay := -2 * y * z * (t.q + t.r2) / (r2q * r2q)
	az := (t.q - 2*z*z) / (t.r2 * q2)
	bx := x*z/(r4*t.q) - 3*t.theta*x/(r4*t.r)
	by := y*z/(r4*t.q) - 3*t.theta*y/(r4*t.r)
	bz := -1 / r2q
	cx := -2 * x / q2
	cy := -2 * y / q2
	cz := -2 * z / q2

	xx, yy, xy := x*x, y*y, x*y
	amb := t.a - t.b

	// J00 = fx (x^2 a + (r2 - x^2) b)
	v[0] += vJ[0] * fx * (2*x*t.a + xx*ax + (t.r2-xx)*bx)
	v[1] += vJ[0] * fx * (xx*ay + 2*y*t.b + (t.r2-xx)*by)
	v[2] += vJ[0] * fx * (xx*az + (t.r2-xx)*bz)

	// J01 = fx x y (a - b) and J10 = fy x y (a - b)
	g := vJ[1]*fx + vJ[3]*fy
	v[0] += g * (y*amb + xy*(ax-bx))
	v[1] += g * (x*amb + xy*(ay-by))
	v[2] += g * xy * (az - bz)

	// J02 = -fx x c
	v[0] += -vJ[2] * fx * (t.c + x*cx)
	v[1] += -vJ[2] * fx * x * cy
	v[2] += -vJ[2] * fx * x * cz

	// J11 = fy (y^2 a + (r2 - y^2) b)
	v[0] += vJ[4] * fy * (yy*ax + 2*x*t.b + (t.r2-yy)*bx)
	v[1] += vJ[4] * fy * (2*y*t.a + yy*ay + (t.r2-yy)*by)
	v[2] += vJ[4] * fy * (yy*az + (t.r2-yy)*bz)

	// J12 = -fy y c
	v[0] += -vJ[5] * fy * y * cx
	v[1] += -vJ[5] * fy * (t.c + y*cy)
	v[2] += -vJ[5] * fy * y * cz

	return v
}
