package projection

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/types"
)

// ResultGrads holds the incoming gradients on the projection outputs. Every
// buffer is optional and must have the row layout of the matching Result
// buffer.
type ResultGrads struct {
	Means2D       *device.Buffer
	Depths        *device.Buffer
	Conics        *device.Buffer
	Compensations *device.Buffer
	RayTs         *device.Buffer
	RayPlanes     *device.Buffer
	Normals       *device.Buffer
}

// InputGrads holds the gradients on the projection inputs. Covars is
// populated for ExplicitCovariance inputs and Quats/Scales for QuatScale
// inputs. Viewmats is nil unless requested via Options.ViewmatGrads.
type InputGrads struct {
	Means    Grad
	Covars   Grad
	Quats    Grad
	Scales   Grad
	Viewmats *device.Buffer // [C,4,4]
}

func (g ResultGrads) validate(res *Result) error {
	rows := res.Rows()
	check := func(b *device.Buffer, width int) error {
		if b == nil {
			return nil
		}
		if b.Len() != rows*width {
			return fmt.Errorf("%w: %s has shape %v; expected %d rows of %d values", device.ErrShapeMismatch, b.Name(), b.Shape(), rows, width)
		}
		return nil
	}
	for _, entry := range []struct {
		buf   *device.Buffer
		width int
	}{
		{g.Means2D, 2}, {g.Depths, 1}, {g.Conics, 3}, {g.Compensations, 1},
		{g.RayTs, 1}, {g.RayPlanes, 2}, {g.Normals, 3},
	} {
		if err := check(entry.buf, entry.width); err != nil {
			return err
		}
	}
	if g.Compensations != nil && res.Compensations == nil {
		return fmt.Errorf("%w: compensation gradients without compensations", ErrMissingGradients)
	}
	if (g.RayTs != nil || g.RayPlanes != nil || g.Normals != nil) && res.RayTs == nil {
		return fmt.Errorf("%w: ray geometry gradients without ray geometry", ErrMissingGradients)
	}
	return nil
}

// The accessors below return zeros for missing gradient buffers.
func scalarAt(data []float32, r int) float32 {
	if data == nil {
		return 0
	}
	return data[r]
}

func vec2At(data []float32, r int) types.Vec2 {
	if data == nil {
		return types.Vec2{}
	}
	return types.Vec2{data[r*2], data[r*2+1]}
}

func vec3At(data []float32, r int) types.Vec3 {
	if data == nil {
		return types.Vec3{}
	}
	return types.Vec3{data[r*3], data[r*3+1], data[r*3+2]}
}

// Backward propagates the gradients of the projection outputs back to the
// means, the covariance parameters and optionally the view matrices. The
// per-Gaussian gradients are gathered according to policy.
func Backward(ctx context.Context, dev *device.Device, in Input, opts Options, res *Result, grads ResultGrads, policy GradPolicy) (*InputGrads, error) {
	p, err := newProjector(in, opts)
	if err != nil {
		return nil, err
	}
	if res.NCameras != p.nCams || res.NGaussians != p.n || res.Packed != opts.Packed {
		return nil, fmt.Errorf("%w: result for %d cameras and %d gaussians does not match the input", device.ErrShapeMismatch, res.NCameras, res.NGaussians)
	}
	if err = grads.validate(res); err != nil {
		return nil, err
	}

	rows := res.Rows()
	means := NewAccumulator(policy, "v_means", p.n, rows, 3)
	var covars, quats, scales *Accumulator
	if p.covars != nil {
		covars = NewAccumulator(policy, "v_covars", p.n, rows, 6)
	} else {
		quats = NewAccumulator(policy, "v_quats", p.n, rows, 4)
		scales = NewAccumulator(policy, "v_scales", p.n, rows, 3)
	}
	var vViewmats []float32
	out := &InputGrads{}
	if opts.ViewmatGrads {
		out.Viewmats = device.Alloc[float32]("v_viewmats", p.nCams, 4, 4)
		vViewmats = device.Data[float32](out.Viewmats)
	}

	var (
		radii     = device.Data[int32](res.Radii)
		vMeans2D  = device.Data[float32](grads.Means2D)
		vDepths   = device.Data[float32](grads.Depths)
		vConics   = device.Data[float32](grads.Conics)
		vComps    = device.Data[float32](grads.Compensations)
		vRayTs    = device.Data[float32](grads.RayTs)
		vPlanes   = device.Data[float32](grads.RayPlanes)
		vNormals  = device.Data[float32](grads.Normals)
		geometry  = grads.RayTs != nil || grads.RayPlanes != nil || grads.Normals != nil
		calcComps = vComps != nil
	)

	kernel := dev.Kernel(projectBackward.String(), func(g device.Group) error {
		var localView []float32
		if vViewmats != nil {
			localView = make([]float32, len(vViewmats))
		}

		start, end := g.Range()
		for r := start; r < end; r++ {
			if radii[r] <= 0 {
				continue
			}
			c, gid := res.RowIDs(r)
			f, ok := p.project(c, gid)
			if !ok {
				continue
			}

			vMean2D := vec2At(vMeans2D, r)
			vConic3 := vec3At(vConics, r)
			vConic := types.Mat2{vConic3[0], 0.5 * vConic3[1], 0.5 * vConic3[1], vConic3[2]}

			// conic = inverse(cov2d + eps2d I)
			vCov2D := f.conic.InvVJP(vConic)
			if calcComps && vComps[r] != 0 {
				eps := p.opts.Eps2D
				detConic := f.conic.Det()
				vSqr := vComps[r] * 0.5 / (f.comp + 1e-6)
				oneMinus := 1 - f.comp*f.comp
				vCov2D[0] += vSqr * (oneMinus*f.conic[0] - eps*detConic)
				vCov2D[1] += vSqr * oneMinus * f.conic[1]
				vCov2D[2] += vSqr * oneMinus * f.conic[2]
				vCov2D[3] += vSqr * (oneMinus*f.conic[3] - eps*detConic)
			}

			vJ, vCovC := f.jac.SandwichVJP(f.covC, vCov2D)
			vMeanC := p.lenses[c].projectVJP(f.meanC, vMean2D, vJ)
			vMeanC[2] += scalarAt(vDepths, r)

			if geometry {
				a := f.covC.Inv()
				vMuG, vA := rayGeometryVJP(p.model, intrinsicsAt(p.ks, c), f.meanC, a,
					scalarAt(vRayTs, r), vec2At(vPlanes, r), vec3At(vNormals, r))
				vMeanC = vMeanC.Add(vMuG)
				vCovC = vCovC.Add(a.InvVJP(vA))
			}

			// covC = R covW R^T and meanC = R meanW + t
			vR, vCovW := f.rot.SandwichVJP(f.covW, vCovC)
			vMeanW := f.rot.Transpose().MulVec(vMeanC)
			means.Add(r, gid, vMeanW[:])

			if covars != nil {
				upper := vCovW.SymUpperVJP()
				covars.Add(r, gid, upper[:])
			} else {
				vQ, vS := quatScaleVJP(f, vCovW)
				wxyz := vQ.WXYZ()
				quats.Add(r, gid, wxyz[:])
				scales.Add(r, gid, vS[:])
			}

			if localView != nil {
				vR = vR.Add(vMeanC.Outer(f.meanW))
				accumulateViewmat(localView[c*16:c*16+16], vR, vMeanC)
			}
		}

		if localView != nil {
			device.AtomicAddFloat32s(vViewmats, localView)
		}
		return nil
	})
	if _, err = kernel.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, err
	}

	out.Means = means.Finish()
	if covars != nil {
		out.Covars = covars.Finish()
	} else {
		out.Quats = quats.Finish()
		out.Scales = scales.Finish()
	}
	logger.Debugf("back-propagated %d projection rows (%s gradients)", rows, policy)
	return out, nil
}

// quatScaleVJP back-propagates the world covariance gradient through
// cov = M M^T with M = R(q) diag(s).
func quatScaleVJP(f frame, vCov types.Mat3) (types.Quat, types.Vec3) {
	m := f.rotQ.Mul3(types.Diag3(f.scale))
	vM := vCov.Add(vCov.Transpose()).Mul3(m)

	var vRot types.Mat3
	var vS types.Vec3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			vRot[i*3+j] = vM[i*3+j] * f.scale[j]
			vS[j] += vM[i*3+j] * f.rotQ[i*3+j]
		}
	}
	return f.quat.RotMatVJP(vRot), vS
}

// accumulateViewmat adds the rotation and translation gradients into a
// row-major 4x4 view matrix gradient.
func accumulateViewmat(dst []float32, vR types.Mat3, vT types.Vec3) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst[i*4+j] += vR[i*3+j]
		}
		dst[i*4+3] += vT[i]
	}
}
