package projection

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/types"
)

// ViewGaussianParams is the number of values describing a Gaussian as a
// quadratic form in camera space: the upper triangle of the inverse
// covariance A, the linear term b = -A*mu and the constant c = mu^T A mu.
const ViewGaussianParams = 10

// viewGaussian computes the camera-space quadratic form of gaussian g as
// seen by camera c.
func (p *projector) viewGaussian(c, g int) (f frame, a types.Mat3, m types.Mat3, invS2 types.Vec3) {
	p.toCamera(c, g, &f)
	p.worldCovariance(g, &f)
	m = f.rot.Mul3(f.rotQ)
	for i := 0; i < 3; i++ {
		invS2[i] = 1 / (f.scale[i] * f.scale[i])
	}
	a = m.Sandwich(types.Diag3(invS2))
	return f, a, m, invS2
}

// ViewToGaussians returns the [rows,10] quadratic form of every visible row
// of res. Rows with a zero radius are left zeroed. The covariance must be
// supplied as quaternions and scales.
func ViewToGaussians(ctx context.Context, dev *device.Device, in Input, opts Options, res *Result) (*device.Buffer, error) {
	p, err := newViewGaussianProjector(in, opts, res)
	if err != nil {
		return nil, err
	}

	rows := res.Rows()
	out := device.Alloc[float32]("view2gaussians", rows, ViewGaussianParams)
	dst := device.Data[float32](out)
	radii := device.Data[int32](res.Radii)

	kernel := dev.Kernel(viewToGaussiansForward.String(), func(g device.Group) error {
		start, end := g.Range()
		for r := start; r < end; r++ {
			if radii[r] <= 0 {
				continue
			}
			c, gid := res.RowIDs(r)
			f, a, _, _ := p.viewGaussian(c, gid)
			b := a.MulVec(f.meanC).Mul(-1)
			upper := a.Upper()

			row := dst[r*ViewGaussianParams : (r+1)*ViewGaussianParams]
			copy(row, upper[:])
			copy(row[6:9], b[:])
			row[9] = -f.meanC.Dot(b)
		}
		return nil
	})
	if _, err = kernel.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// ViewToGaussiansBackward propagates the gradient of the [rows,10] quadratic
// forms to the means, quaternions, scales and optionally the view matrices.
func ViewToGaussiansBackward(ctx context.Context, dev *device.Device, in Input, opts Options, res *Result, vView2G *device.Buffer, policy GradPolicy) (*InputGrads, error) {
	p, err := newViewGaussianProjector(in, opts, res)
	if err != nil {
		return nil, err
	}
	rows := res.Rows()
	if err = vView2G.CheckShape(rows, ViewGaussianParams); err != nil {
		return nil, err
	}

	means := NewAccumulator(policy, "v_means", p.n, rows, 3)
	quats := NewAccumulator(policy, "v_quats", p.n, rows, 4)
	scales := NewAccumulator(policy, "v_scales", p.n, rows, 3)
	out := &InputGrads{}
	var vViewmats []float32
	if opts.ViewmatGrads {
		out.Viewmats = device.Alloc[float32]("v_viewmats", p.nCams, 4, 4)
		vViewmats = device.Data[float32](out.Viewmats)
	}
	src := device.Data[float32](vView2G)
	radii := device.Data[int32](res.Radii)

	kernel := dev.Kernel(viewToGaussiansBackward.String(), func(g device.Group) error {
		var localView []float32
		if vViewmats != nil {
			localView = make([]float32, len(vViewmats))
		}

		start, end := g.Range()
		for r := start; r < end; r++ {
			if radii[r] <= 0 {
				continue
			}
			v := src[r*ViewGaussianParams : (r+1)*ViewGaussianParams]
			c, gid := res.RowIDs(r)
			f, a, m, invS2 := p.viewGaussian(c, gid)
			mu := f.meanC

			// Off-diagonal entries stand for both symmetric elements.
			vA := types.Mat3{
				v[0], 0.5 * v[1], 0.5 * v[2],
				0.5 * v[1], v[3], 0.5 * v[4],
				0.5 * v[2], 0.5 * v[4], v[5],
			}
			vB := types.Vec3{v[6], v[7], v[8]}
			vC := v[9]

			// b = -A mu and c = mu^T A mu
			vA = vA.Add(vB.Outer(mu).Scale(-1)).Add(mu.Outer(mu).Scale(vC))
			vMu := a.Transpose().MulVec(vB).Mul(-1).Add(a.MulVec(mu).Mul(2 * vC))

			// A = M diag(1/s^2) M^T with M = R Rq
			vM, vD := m.SandwichVJP(types.Diag3(invS2), vA)
			var vS types.Vec3
			for i := 0; i < 3; i++ {
				vS[i] = vD.At(i, i) * -2 * invS2[i] / f.scale[i]
			}
			vRotQ := f.rot.Transpose().Mul3(vM)
			vQ := f.quat.RotMatVJP(vRotQ)

			vMeanW := f.rot.Transpose().MulVec(vMu)
			means.Add(r, gid, vMeanW[:])
			wxyz := vQ.WXYZ()
			quats.Add(r, gid, wxyz[:])
			scales.Add(r, gid, vS[:])

			if localView != nil {
				vR := vM.Mul3(f.rotQ.Transpose()).Add(vMu.Outer(f.meanW))
				accumulateViewmat(localView[c*16:c*16+16], vR, vMu)
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
	out.Quats = quats.Finish()
	out.Scales = scales.Finish()
	return out, nil
}

func newViewGaussianProjector(in Input, opts Options, res *Result) (*projector, error) {
	if _, ok := in.Cov.(scene.QuatScale); !ok {
		return nil, fmt.Errorf("%w: view to gaussian transforms require quaternions and scales", ErrUnsupportedCombination)
	}
	p, err := newProjector(in, opts)
	if err != nil {
		return nil, err
	}
	if res.NCameras != p.nCams || res.NGaussians != p.n {
		return nil, fmt.Errorf("%w: result for %d cameras and %d gaussians does not match the input", device.ErrShapeMismatch, res.NCameras, res.NGaussians)
	}
	return p, nil
}
