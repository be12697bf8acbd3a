package projection

import (
	"context"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/types"
)

// newPointProjector builds a projector for bare points without covariances.
func newPointProjector(points *device.Buffer, cams *scene.Cameras, opts Options) (*projector, error) {
	if cams == nil {
		return nil, scene.ErrNoCameras
	}
	if err := cams.Validate(); err != nil {
		return nil, err
	}
	if err := points.CheckShape(-1, 3); err != nil {
		return nil, err
	}
	if err := opts.Validate(cams.Model); err != nil {
		return nil, err
	}
	p := &projector{
		opts:     opts,
		model:    cams.Model,
		width:    cams.Width,
		height:   cams.Height,
		nCams:    cams.Len(),
		n:        points.Dim(0),
		means:    device.Data[float32](points),
		viewmats: device.Data[float32](cams.Viewmats),
		ks:       device.Data[float32](cams.Ks),
	}
	p.lenses = make([]lens, p.nCams)
	for c := range p.lenses {
		p.lenses[c] = lensFor(p.model, intrinsicsAt(p.ks, c), p.width, p.height)
	}
	return p, nil
}

// ProjectPoints projects [N,3] world-space points into every camera. The
// dense result has a radius of 1 for points inside the depth range that land
// on the image and 0 otherwise; only Radii, Means2D and Depths are populated.
func ProjectPoints(ctx context.Context, dev *device.Device, points *device.Buffer, cams *scene.Cameras, opts Options) (*Result, error) {
	p, err := newPointProjector(points, cams, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{NCameras: p.nCams, NGaussians: p.n}
	res.Radii = device.Alloc[int32]("radii", p.nCams, p.n)
	res.Means2D = device.Alloc[float32]("means2d", p.nCams, p.n, 2)
	res.Depths = device.Alloc[float32]("depths", p.nCams, p.n)
	radii := device.Data[int32](res.Radii)
	means2D := device.Data[float32](res.Means2D)
	depths := device.Data[float32](res.Depths)

	kernel := dev.Kernel(projectPointsForward.String(), func(g device.Group) error {
		start, end := g.Range()
		for row := start; row < end; row++ {
			c, gid := row/p.n, row%p.n
			var f frame
			p.toCamera(c, gid, &f)
			if f.meanC[2] < opts.NearPlane || f.meanC[2] > opts.FarPlane {
				continue
			}
			var uv types.Vec2
			uv, _ = p.lenses[c].project(f.meanC)
			if uv[0] < 0 || uv[0] >= float32(p.width) || uv[1] < 0 || uv[1] >= float32(p.height) {
				continue
			}
			radii[row] = 1
			means2D[row*2] = uv[0]
			means2D[row*2+1] = uv[1]
			depths[row] = f.meanC[2]
		}
		return nil
	})
	if _, err = kernel.Exec1D(ctx, 0, p.nCams*p.n, 0); err != nil {
		return nil, err
	}
	return res, nil
}
