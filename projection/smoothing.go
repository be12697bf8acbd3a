package projection

import (
	"context"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/scene"
	"github.com/chewxy/math32"
)

const (
	// Fraction of the image size, per side, beyond which a Gaussian is
	// considered invisible to a camera.
	smoothingFrustumMargin = 1.15

	// Variance of the sampling low-pass filter in pixel units.
	smoothingFilterVariance = 0.2
)

// SmoothingFilter3D returns, for every [N,3] mean, the size of the 3D
// low-pass filter implied by the highest sampling rate among the cameras
// that see it: min over cameras of depth/focal * sqrt(0.2). Means that no
// camera sees receive the largest filter of the visible ones.
func SmoothingFilter3D(ctx context.Context, dev *device.Device, means *device.Buffer, cams *scene.Cameras, nearPlane float32) (*device.Buffer, error) {
	opts := DefaultOptions()
	opts.NearPlane = nearPlane
	p, err := newPointProjector(means, cams, opts)
	if err != nil {
		return nil, err
	}

	out := device.Alloc[float32]("filter_3d", p.n)
	filters := device.Data[float32](out)
	seen := make([]bool, p.n)

	kernel := dev.Kernel(smoothingFilter3D.String(), func(g device.Group) error {
		start, end := g.Range()
		for gid := start; gid < end; gid++ {
			minDist := math32.Inf(1)
			for c := 0; c < p.nCams; c++ {
				var f frame
				p.toCamera(c, gid, &f)
				z := f.meanC[2]
				if z <= nearPlane {
					continue
				}
				k := intrinsicsAt(p.ks, c)
				x := f.meanC[0]/z*k.fx + k.cx
				y := f.meanC[1]/z*k.fy + k.cy
				w, h := float32(p.width), float32(p.height)
				if x < -(smoothingFrustumMargin-1)*w || x > smoothingFrustumMargin*w ||
					y < -(smoothingFrustumMargin-1)*h || y > smoothingFrustumMargin*h {
					continue
				}
				minDist = math32.Min(minDist, z/k.fx)
			}
			if !math32.IsInf(minDist, 1) {
				seen[gid] = true
				filters[gid] = minDist * math32.Sqrt(smoothingFilterVariance)
			}
		}
		return nil
	})
	if _, err = kernel.Exec1D(ctx, 0, p.n, 0); err != nil {
		return nil, err
	}

	var maxFilter float32
	for gid, ok := range seen {
		if ok {
			maxFilter = math32.Max(maxFilter, filters[gid])
		}
	}
	for gid, ok := range seen {
		if !ok {
			filters[gid] = maxFilter
		}
	}
	return out, nil
}
