package renderer

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/projection"
	"github.com/achilleasa/gsplat/raster"
)

// FrameGrads holds the gradients of a loss with respect to the rendered
// frame. Colors is required; the rest are optional.
type FrameGrads struct {
	Colors *device.Buffer // [C,H,W,D]
	Alphas *device.Buffer // [C,H,W,1]

	ExpectedDepths  *device.Buffer // [C,H,W,1]
	MedianDepths    *device.Buffer // [C,H,W,1]
	ExpectedNormals *device.Buffer // [C,H,W,3]
}

// SceneGrads holds the gradients with respect to the scene parameters.
// Per-Gaussian gradients are dense [N,k] buffers or COO rows depending on
// the SparseGrad option.
type SceneGrads struct {
	Means     projection.Grad
	Covars    projection.Grad
	Quats     projection.Grad
	Scales    projection.Grad
	Opacities projection.Grad
	Colors    projection.Grad

	// Screen-space position gradients of every projected row; classic
	// mode only. AbsMeans2D requires the AbsGrad option.
	Means2D    *device.Buffer
	AbsMeans2D *device.Buffer

	Backgrounds *device.Buffer // [C,D]
	Viewmats    *device.Buffer // [C,4,4]
}

// Backward propagates the frame gradients through the compositor and the
// projection back to the scene parameters of the frame that produced st.
func (r *Renderer) Backward(ctx context.Context, st *SavedState, grads FrameGrads) (*SceneGrads, error) {
	if st == nil || st.owner != r {
		return nil, ErrStateMismatch
	}
	rin := st.raster.Input

	vColors := grads.Colors
	if vColors != nil {
		if err := vColors.CheckShape(rin.NCameras, rin.Height, rin.Width, st.channels); err != nil {
			return nil, err
		}
		vColors = raster.ResizeChannels(vColors, rin.Channels())
	}
	outGrads := raster.OutputGrads{
		Colors:          vColors,
		Alphas:          grads.Alphas,
		ExpectedDepths:  grads.ExpectedDepths,
		MedianDepths:    grads.MedianDepths,
		ExpectedNormals: grads.ExpectedNormals,
	}

	var rg *raster.InputGrads
	var err error
	if r.opts.Mode == RayTrace {
		rg, err = raster.RayTraceBackward(ctx, r.dev, st.raster, outGrads)
	} else {
		rg, err = raster.Backward(ctx, r.dev, st.raster, outGrads)
	}
	if err != nil {
		return nil, err
	}

	out := &SceneGrads{Means2D: rg.Means2D, AbsMeans2D: rg.AbsMeans2D}
	vComps, err := r.scatterAttributeGrads(ctx, st, rg, out)
	if err != nil {
		return nil, err
	}
	if rg.Backgrounds != nil {
		out.Backgrounds = raster.ResizeChannels(rg.Backgrounds, st.channels)
	}

	policy := r.opts.gradPolicy()
	var pg *projection.InputGrads
	if r.opts.Mode == RayTrace {
		pg, err = projection.ViewToGaussiansBackward(ctx, r.dev, st.projIn, st.projOpts, st.proj, rg.View2Gaussians, policy)
	} else {
		pg, err = projection.Backward(ctx, r.dev, st.projIn, st.projOpts, st.proj, projection.ResultGrads{
			Means2D:       rg.Means2D,
			Conics:        rg.Conics,
			Compensations: vComps,
			RayTs:         rg.RayTs,
			RayPlanes:     rg.RayPlanes,
			Normals:       rg.Normals,
		}, policy)
	}
	if err != nil {
		return nil, err
	}
	out.Means = pg.Means
	out.Covars = pg.Covars
	out.Quats = pg.Quats
	out.Scales = pg.Scales
	out.Viewmats = pg.Viewmats
	return out, nil
}

// scatterAttributeGrads gathers the per-row opacity and color gradients into
// per-Gaussian gradients. For anti-aliased frames it also returns the
// gradient of every row's compensation factor.
func (r *Renderer) scatterAttributeGrads(ctx context.Context, st *SavedState, rg *raster.InputGrads, out *SceneGrads) (*device.Buffer, error) {
	res, g := st.proj, st.gaussians
	rows, n, d := res.Rows(), g.Len(), st.channels
	padded := st.raster.Input.Channels()
	if rg.Opacities == nil || rg.Colors == nil {
		return nil, fmt.Errorf("%w: missing attribute gradients", ErrStateMismatch)
	}

	policy := r.opts.gradPolicy()
	opacities := projection.NewAccumulator(policy, "v_opacities", n, rows, 1)
	colors := projection.NewAccumulator(policy, "v_colors", n, rows, d)

	var vComps *device.Buffer
	var comps, dstComps []float32
	if r.opts.AntiAliased {
		vComps = device.Alloc[float32]("v_compensations", res.Radii.Shape()...)
		dstComps = device.Data[float32](vComps)
		comps = device.Data[float32](res.Compensations)
	}
	vOpac, vCol := device.Data[float32](rg.Opacities), device.Data[float32](rg.Colors)
	srcOpac := device.Data[float32](g.Opacities)
	radii := device.Data[int32](res.Radii)

	kernel := r.dev.Kernel(scatterAttributeGrads.String(), func(grp device.Group) error {
		start, end := grp.Range()
		for row := start; row < end; row++ {
			if radii[row] <= 0 {
				continue
			}
			_, gid := res.RowIDs(row)
			v := vOpac[row]
			if comps != nil {
				dstComps[row] = v * srcOpac[gid]
				v *= comps[row]
			}
			opacities.Add(row, gid, []float32{v})
			colors.Add(row, gid, vCol[row*padded:row*padded+d])
		}
		return nil
	})
	if _, err := kernel.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, err
	}

	out.Opacities = opacities.Finish()
	if !out.Opacities.IsSparse() {
		// Opacities are stored as a flat [N] vector.
		if err := out.Opacities.Dense.Reshape(n); err != nil {
			return nil, err
		}
	}
	out.Colors = colors.Finish()
	return vComps, nil
}
