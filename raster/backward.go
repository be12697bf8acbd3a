package raster

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/chewxy/math32"
)

// OutputGrads holds the gradients of a loss with respect to the forward
// outputs. Only Colors is required.
type OutputGrads struct {
	Colors *device.Buffer // [C,H,W,D]
	Alphas *device.Buffer // [C,H,W,1]

	ExpectedDepths  *device.Buffer // [C,H,W,1]
	MedianDepths    *device.Buffer // [C,H,W,1]
	ExpectedNormals *device.Buffer // [C,H,W,3]
}

func (g OutputGrads) validate(st *State) error {
	in := st.Input
	c, h, w := in.NCameras, in.Height, in.Width
	if g.Colors == nil {
		return fmt.Errorf("%w: color gradients", ErrMissingInput)
	}
	if err := g.Colors.CheckShape(c, h, w, in.Channels()); err != nil {
		return err
	}
	for _, opt := range []struct {
		buf   *device.Buffer
		width int
	}{
		{g.Alphas, 1},
		{g.ExpectedDepths, 1},
		{g.MedianDepths, 1},
		{g.ExpectedNormals, 3},
	} {
		if opt.buf == nil {
			continue
		}
		if err := opt.buf.CheckShape(c, h, w, opt.width); err != nil {
			return err
		}
	}
	if !st.Options.Geometry && (g.ExpectedDepths != nil || g.MedianDepths != nil || g.ExpectedNormals != nil) {
		return fmt.Errorf("%w: geometry gradients supplied for a forward pass without geometry outputs", ErrUnsupportedCombination)
	}
	return nil
}

// InputGrads holds the gradients with respect to the compositor inputs.
// Buffers are shaped like the matching Input buffers and are nil when the
// input does not take part in the pass.
type InputGrads struct {
	Means2D   *device.Buffer
	Conics    *device.Buffer
	Colors    *device.Buffer
	Opacities *device.Buffer

	// Sum of the absolute per-pixel screen-space position gradients.
	AbsMeans2D *device.Buffer

	View2Gaussians *device.Buffer
	Backgrounds    *device.Buffer

	RayTs     *device.Buffer
	RayPlanes *device.Buffer
	Normals   *device.Buffer
}

// Backward replays the classic compositing pass back to front and returns
// the gradients of its inputs.
func Backward(ctx context.Context, dev *device.Device, st *State, grads OutputGrads) (*InputGrads, error) {
	if st == nil || st.rayTraced {
		return nil, fmt.Errorf("%w: expected the state of a classic forward pass", ErrStateMismatch)
	}
	v := newViews(st.Input)
	return runBackward(ctx, dev, st, grads, v, conicFootprint{means2D: v.means2D, conics: v.conics}, compositeBackward)
}

func runBackward(ctx context.Context, dev *device.Device, st *State, grads OutputGrads, v *views, fp footprint, kt kernelType) (*InputGrads, error) {
	if err := grads.validate(st); err != nil {
		return nil, err
	}
	in, opts := st.Input, st.Options
	h, w, d := in.Height, in.Width, v.d

	out := &InputGrads{
		Colors:    device.Alloc[float32]("v_colors", in.Colors.Shape()...),
		Opacities: device.Alloc[float32]("v_opacities", in.Opacities.Shape()...),
	}
	if st.rayTraced {
		out.View2Gaussians = device.Alloc[float32]("v_view2gaussians", in.View2Gaussians.Shape()...)
	} else {
		out.Means2D = device.Alloc[float32]("v_means2d", in.Means2D.Shape()...)
		out.Conics = device.Alloc[float32]("v_conics", in.Conics.Shape()...)
		if opts.AbsGrad {
			out.AbsMeans2D = device.Alloc[float32]("v_means2d_abs", in.Means2D.Shape()...)
		}
	}
	if in.Backgrounds != nil {
		out.Backgrounds = device.Alloc[float32]("v_backgrounds", in.Backgrounds.Shape()...)
	}
	if opts.Geometry {
		out.RayTs = device.Alloc[float32]("v_ray_ts", in.RayTs.Shape()...)
		out.RayPlanes = device.Alloc[float32]("v_ray_planes", in.RayPlanes.Shape()...)
		out.Normals = device.Alloc[float32]("v_normals", in.Normals.Shape()...)
	}

	dst := scratch{
		means2D:     device.Data[float32](out.Means2D),
		conics:      device.Data[float32](out.Conics),
		absMeans2D:  device.Data[float32](out.AbsMeans2D),
		view2g:      device.Data[float32](out.View2Gaussians),
		colors:      device.Data[float32](out.Colors),
		opacities:   device.Data[float32](out.Opacities),
		rayTs:       device.Data[float32](out.RayTs),
		rayPlanes:   device.Data[float32](out.RayPlanes),
		normals:     device.Data[float32](out.Normals),
		backgrounds: device.Data[float32](out.Backgrounds),
	}

	alphas := device.Data[float32](st.Alphas)
	lastIDs := device.Data[int32](st.LastIDs)
	medianIDs := device.Data[int32](st.MedianIDs)
	vColors := device.Data[float32](grads.Colors)
	vAlphas := device.Data[float32](grads.Alphas)
	vDepths := device.Data[float32](grads.ExpectedDepths)
	vMedians := device.Data[float32](grads.MedianDepths)
	vNormals := device.Data[float32](grads.ExpectedNormals)

	kernel := dev.Kernel(kt.String(), func(g device.Group) error {
		// Track exactly the gradients this pass produces.
		s := scratch{colors: []float32{}, opacities: []float32{}}
		if dst.means2D != nil {
			s.means2D, s.conics = []float32{}, []float32{}
		}
		if dst.absMeans2D != nil {
			s.absMeans2D = []float32{}
		}
		if dst.view2g != nil {
			s.view2g = []float32{}
		}
		if dst.backgrounds != nil {
			s.backgrounds = []float32{}
		}
		if opts.Geometry {
			s.rayTs, s.rayPlanes, s.normals = []float32{}, []float32{}, []float32{}
		}
		buf := make([]float32, d)

		first, last := g.Range()
		for flat := first; flat < last; flat++ {
			cam, x0, y0, x1, y1 := v.tilePixels(flat)
			start, end := v.tileRange(flat)
			s.reset(end-start, d)

			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					pix := (cam*h+y)*w + x
					px := v.pixelAt(cam, x, y)
					vColor := vColors[pix*d : (pix+1)*d]
					tFinal := 1 - alphas[pix]

					var vAlphaOut, vDepth, vMedian float32
					var vNormal [3]float32
					if vAlphas != nil {
						vAlphaOut = vAlphas[pix]
					}
					if vDepths != nil {
						vDepth = vDepths[pix]
					}
					if vMedians != nil {
						vMedian = vMedians[pix]
					}
					if vNormals != nil {
						copy(vNormal[:], vNormals[pix*3:pix*3+3])
					}

					// The background fills the residual transmittance.
					var bgDot float32
					if s.backgrounds != nil {
						bg := v.backgrounds[cam*d : (cam+1)*d]
						for k := range vColor {
							s.backgrounds[k] += vColor[k] * tFinal
							bgDot += bg[k] * vColor[k]
						}
					}
					if v.masked(flat) {
						continue
					}

					medianID := int32(-1)
					if medianIDs != nil {
						medianID = medianIDs[pix]
					}

					// Suffix sums of everything blended behind the current primitive.
					clear(buf)
					var bufDepth float32
					var bufNormal [3]float32

					T := tFinal
					for i := int(lastIDs[pix]); i >= start; i-- {
						r := int(v.flatten[i])
						sigma := fp.sigma(r, &px)
						if sigma < 0 {
							continue
						}
						vis := math32.Exp(-sigma)
						raw := v.opacities[r] * vis
						alpha := math32.Min(opts.MaxAlpha, raw)
						if alpha < opts.AlphaThreshold {
							continue
						}

						ra := 1 / (1 - alpha)
						T *= ra
						fac := alpha * T
						k := i - start

						var vAlpha float32
						col := v.colors[r*d : (r+1)*d]
						for ch := range col {
							s.colors[k*d+ch] += fac * vColor[ch]
							vAlpha += (col[ch]*T - buf[ch]*ra) * vColor[ch]
						}
						vAlpha += tFinal * ra * vAlphaOut
						vAlpha -= tFinal * ra * bgDot

						var depth float32
						if opts.Geometry {
							var delta [2]float32
							depth, delta = v.depthAt(r, &px)
							vAlpha += (depth*T - bufDepth*ra) * vDepth

							vd := fac * vDepth
							if int32(i) == medianID {
								vd += vMedian
							}
							if vd != 0 {
								vt := vd * px.depthScale
								s.rayTs[k] += vt
								s.rayPlanes[k*2] -= vt * delta[0]
								s.rayPlanes[k*2+1] -= vt * delta[1]
								s.means2D[k*2] -= vt * v.rayPlanes[r*2]
								s.means2D[k*2+1] -= vt * v.rayPlanes[r*2+1]
							}
							for j := 0; j < 3; j++ {
								n := v.normals[r*3+j]
								vAlpha += (n*T - bufNormal[j]*ra) * vNormal[j]
								s.normals[k*3+j] += fac * vNormal[j]
							}
						}

						// The clamped alpha does not depend on the primitive.
						if raw <= opts.MaxAlpha {
							fp.sigmaVJP(r, &px, -raw*vAlpha, k, &s)
							s.opacities[k] += vis * vAlpha
						}

						for ch := range col {
							buf[ch] += col[ch] * fac
						}
						if opts.Geometry {
							bufDepth += depth * fac
							for j := 0; j < 3; j++ {
								bufNormal[j] += v.normals[r*3+j] * fac
							}
						}
					}
				}
			}

			for i := start; i < end; i++ {
				r, k := int(v.flatten[i]), i-start
				flushRow(dst.means2D, s.means2D, r, k, 2)
				flushRow(dst.conics, s.conics, r, k, 3)
				flushRow(dst.absMeans2D, s.absMeans2D, r, k, 2)
				flushRow(dst.view2g, s.view2g, r, k, 10)
				flushRow(dst.colors, s.colors, r, k, d)
				flushRow(dst.opacities, s.opacities, r, k, 1)
				flushRow(dst.rayTs, s.rayTs, r, k, 1)
				flushRow(dst.rayPlanes, s.rayPlanes, r, k, 2)
				flushRow(dst.normals, s.normals, r, k, 3)
			}
			flushRow(dst.backgrounds, s.backgrounds, cam, 0, d)
		}
		return nil
	})
	if _, err := kernel.ExecBatches(ctx, v.schedule(dev, opts)); err != nil {
		return nil, err
	}
	return out, nil
}
