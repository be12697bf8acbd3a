package raster

import (
	"context"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/log"
	"github.com/chewxy/math32"
)

var logger = log.New("raster")

// Output holds the composited images.
type Output struct {
	Colors *device.Buffer // [C,H,W,D]
	Alphas *device.Buffer // [C,H,W,1]

	// Geometry outputs.
	ExpectedDepths  *device.Buffer // [C,H,W,1]
	MedianDepths    *device.Buffer // [C,H,W,1]
	ExpectedNormals *device.Buffer // [C,H,W,3]

	// Accumulated blending weight per primitive row.
	Transmittance *device.Buffer // [C,N] or [nnz]
}

// State is the saved forward state consumed by the backward pass. It must
// not be modified after the forward pass returns.
type State struct {
	Input   Input
	Options Options

	// Final pixel alphas.
	Alphas *device.Buffer // [C,H,W,1]

	// Sorted intersection index of the last primitive blended into each
	// pixel, or -1 if none was.
	LastIDs *device.Buffer // [C,H,W] int32

	// Sorted intersection index of the primitive that provided the median
	// depth, or -1. Geometry mode only.
	MedianIDs *device.Buffer // [C,H,W] int32

	rayTraced bool
}

// Forward composites the binned primitives front to back into every pixel.
func Forward(ctx context.Context, dev *device.Device, in Input, opts Options) (*Output, *State, error) {
	if err := in.validate(opts, false); err != nil {
		return nil, nil, err
	}
	v := newViews(in)
	return runForward(ctx, dev, in, opts, v, conicFootprint{means2D: v.means2D, conics: v.conics}, composite, false)
}

func runForward(ctx context.Context, dev *device.Device, in Input, opts Options, v *views, fp footprint, kt kernelType, rayTraced bool) (*Output, *State, error) {
	c, h, w, d := in.NCameras, in.Height, in.Width, v.d
	out := &Output{
		Colors: device.Alloc[float32]("render_colors", c, h, w, d),
		Alphas: device.Alloc[float32]("render_alphas", c, h, w, 1),
	}
	st := &State{
		Input:     in,
		Options:   opts,
		Alphas:    out.Alphas,
		LastIDs:   device.Alloc[int32]("last_ids", c, h, w),
		rayTraced: rayTraced,
	}
	colors := device.Data[float32](out.Colors)
	alphas := device.Data[float32](out.Alphas)
	lastIDs := device.Data[int32](st.LastIDs)

	var depths, medianDepths, normals []float32
	var medianIDs []int32
	if opts.Geometry {
		out.ExpectedDepths = device.Alloc[float32]("expected_depths", c, h, w, 1)
		out.MedianDepths = device.Alloc[float32]("median_depths", c, h, w, 1)
		out.ExpectedNormals = device.Alloc[float32]("expected_normals", c, h, w, 3)
		st.MedianIDs = device.Alloc[int32]("median_ids", c, h, w)
		depths = device.Data[float32](out.ExpectedDepths)
		medianDepths = device.Data[float32](out.MedianDepths)
		normals = device.Data[float32](out.ExpectedNormals)
		medianIDs = device.Data[int32](st.MedianIDs)
	}
	var transmittance []float32
	if opts.RecordTransmittance {
		out.Transmittance = device.Alloc[float32]("transmittance", in.Opacities.Shape()...)
		transmittance = device.Data[float32](out.Transmittance)
	}

	kernel := dev.Kernel(kt.String(), func(g device.Group) error {
		var s scratch
		if transmittance != nil {
			s.transmittance = []float32{}
		}

		first, last := g.Range()
		for flat := first; flat < last; flat++ {
			cam, x0, y0, x1, y1 := v.tilePixels(flat)
			start, end := v.tileRange(flat)
			skip := v.masked(flat)
			s.reset(end-start, d)

			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					pix := (cam*h+y)*w + x
					px := v.pixelAt(cam, x, y)
					color := colors[pix*d : (pix+1)*d]

					T := float32(1)
					lastID, medianID := int32(-1), int32(-1)
					var depth, medianDepth float32
					var normal [3]float32

					for i := start; i < end && !skip; i++ {
						r := int(v.flatten[i])
						sigma := fp.sigma(r, &px)
						if sigma < 0 {
							continue
						}
						alpha := math32.Min(opts.MaxAlpha, v.opacities[r]*math32.Exp(-sigma))
						if alpha < opts.AlphaThreshold {
							continue
						}
						next := T * (1 - alpha)
						if next <= opts.TransmittanceThreshold {
							break
						}

						weight := alpha * T
						for k, col := range v.colors[r*d : (r+1)*d] {
							color[k] += col * weight
						}
						if opts.Geometry {
							t, _ := v.depthAt(r, &px)
							if T > opts.MedianThreshold {
								medianID, medianDepth = int32(i), t
							}
							depth += t * weight
							for k := 0; k < 3; k++ {
								normal[k] += v.normals[r*3+k] * weight
							}
						}
						if s.transmittance != nil {
							s.transmittance[i-start] += weight
						}
						lastID = int32(i)
						T = next
					}

					alphas[pix] = 1 - T
					lastIDs[pix] = lastID
					if v.backgrounds != nil {
						for k, bg := range v.backgrounds[cam*d : (cam+1)*d] {
							color[k] += T * bg
						}
					}
					if opts.Geometry {
						depths[pix] = depth
						medianDepths[pix] = medianDepth
						medianIDs[pix] = medianID
						copy(normals[pix*3:pix*3+3], normal[:])
					}
				}
			}

			for i := start; i < end && s.transmittance != nil; i++ {
				device.AtomicAddFloat32(&transmittance[v.flatten[i]], s.transmittance[i-start])
			}
		}
		return nil
	})
	if _, err := kernel.ExecBatches(ctx, v.schedule(dev, opts)); err != nil {
		return nil, nil, err
	}

	logger.Debugf("composited %d intersections into %d %dx%d images with %d channels", len(v.flatten), c, w, h, d)
	return out, st, nil
}
