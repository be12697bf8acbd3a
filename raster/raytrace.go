package raster

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

// rayFootprint evaluates the peak density of each camera-space quadratic
// form (x-mu)^T A (x-mu) along the pixel ray o + t*d. With
// a = d^T A d, beta = d^T (A o + b) and gamma = o^T A o + 2 b.o + c the
// minimum over t is gamma - beta^2/a.
type rayFootprint struct {
	view2g []float32
}

func (f rayFootprint) terms(r int, px *pixel) (a, beta, gamma float32) {
	q := f.view2g[r*10 : r*10+10]
	A := types.SymFromUpper(q[:6])
	b := types.Vec3{q[6], q[7], q[8]}
	o, d := px.origin, px.dir

	ao := A.MulVec(o)
	a = d.Dot(A.MulVec(d))
	beta = d.Dot(ao.Add(b))
	gamma = o.Dot(ao) + 2*b.Dot(o) + q[9]
	return a, beta, gamma
}

func (f rayFootprint) sigma(r int, px *pixel) float32 {
	return RayExponent(f.view2g, r, px.origin, px.dir, math32.Inf(1))
}

// RayExponent returns the falloff exponent of the [*,10] view-to-Gaussian row
// r along the camera-space ray origin + t*dir. The quadratic form is taken at
// its minimum when that lies before tmax and at tmax otherwise. A negative
// value marks a form that is degenerate along the ray.
func RayExponent(view2g []float32, r int, origin, dir types.Vec3, tmax float32) float32 {
	a, beta, gamma := rayFootprint{view2g: view2g}.terms(r, &pixel{origin: origin, dir: dir})
	if !(a > 0) {
		return -1
	}
	// Rounding can push the exact minimum of a degenerate form below zero.
	if t := -beta / a; t > tmax {
		return max(0, 0.5*(a*tmax*tmax+2*beta*tmax+gamma))
	}
	return max(0, 0.5*(gamma-beta*beta/a))
}

func (f rayFootprint) sigmaVJP(r int, px *pixel, vSigma float32, k int, s *scratch) {
	a, beta, gamma := f.terms(r, px)
	if !(a > 0) || gamma-beta*beta/a < 0 {
		return
	}
	vGamma := 0.5 * vSigma
	vBeta := -beta / a * vSigma
	vA := 0.5 * beta * beta / (a * a) * vSigma

	o, d := px.origin, px.dir
	dst := s.view2g[k*10 : k*10+10]
	upper := [6][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 1}, {1, 2}, {2, 2}}
	for idx, ij := range upper {
		i, j := ij[0], ij[1]
		dA := d[i] * d[j]
		dBeta := d[i] * o[j]
		dGamma := o[i] * o[j]
		if i != j {
			// Off-diagonal parameters feed both symmetric entries.
			dA *= 2
			dBeta += d[j] * o[i]
			dGamma *= 2
		}
		dst[idx] += vA*dA + vBeta*dBeta + vGamma*dGamma
	}
	for i := 0; i < 3; i++ {
		dst[6+i] += vBeta*d[i] + vGamma*2*o[i]
	}
	dst[9] += vGamma
}

// RayTraceForward composites the binned primitives by evaluating the peak
// density of every camera-space quadratic form along each pixel ray instead
// of the screen-space conic.
func RayTraceForward(ctx context.Context, dev *device.Device, in Input, opts Options) (*Output, *State, error) {
	if err := in.validate(opts, true); err != nil {
		return nil, nil, err
	}
	v := newViews(in)
	return runForward(ctx, dev, in, opts, v, rayFootprint{view2g: v.view2g}, rayTrace, true)
}

// RayTraceBackward replays a ray traced compositing pass and returns the
// gradients of the quadratic forms, colors, opacities and backgrounds.
func RayTraceBackward(ctx context.Context, dev *device.Device, st *State, grads OutputGrads) (*InputGrads, error) {
	if st == nil || !st.rayTraced {
		return nil, fmt.Errorf("%w: expected the state of a ray traced forward pass", ErrStateMismatch)
	}
	v := newViews(st.Input)
	return runBackward(ctx, dev, st, grads, v, rayFootprint{view2g: v.view2g}, rayTraceBackward)
}
