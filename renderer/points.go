package renderer

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/integrate"
	"github.com/achilleasa/gsplat/projection"
	"github.com/achilleasa/gsplat/raster"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/tiles"
)

// IntegratePoints evaluates the Gaussian opacity and color field at the
// world-space [P,3] points as seen from every camera. Points that fall
// outside a camera's image or depth range keep a zero alpha. In ray trace
// mode the points are integrated through the camera-space quadratic form of
// every Gaussian; otherwise through the projected ray geometry.
func (r *Renderer) IntegratePoints(ctx context.Context, g *scene.Gaussians, cams *scene.Cameras, points *device.Buffer) (*integrate.Output, error) {
	if r.opts.Packed {
		return nil, fmt.Errorf("%w: point integration requires dense projections", ErrInvalidOptions)
	}
	projOpts := r.opts.projectionOptions()
	if r.opts.Mode != RayTrace {
		projOpts.Geometry = true
		projOpts.Integration = true
	}

	p, err := r.prepare(ctx, g, cams, projOpts)
	if err != nil {
		return nil, err
	}
	if r.opts.Mode == RayTrace {
		if p.in.View2Gaussians, err = projection.ViewToGaussians(ctx, r.dev, p.projIn, p.projOpts, p.res); err != nil {
			return nil, err
		}
	}

	pts, err := projection.ProjectPoints(ctx, r.dev, points, cams, projOpts)
	if err != nil {
		return nil, err
	}
	pointIsects, err := tiles.IntersectPoints(ctx, r.dev, tiles.IntersectInput{
		Means2D: pts.Means2D,
		Radii:   pts.Radii,
		Depths:  pts.Depths,
	}, p.in.Grid, tiles.IntersectOptions{Sort: true})
	if err != nil {
		return nil, err
	}
	pointOffsets, err := tiles.EncodeOffsets(ctx, r.dev, pointIsects, p.in.Grid)
	if err != nil {
		return nil, err
	}

	opts := integrate.DefaultOptions()
	opts.Raster = r.opts.rasterOptions()
	out, err := integrate.Points(ctx, r.dev, integrate.Input{
		Input:           p.in,
		InvRayCov3Ds:    p.res.InvRayCov3Ds,
		Conditions:      p.res.Conditions,
		Points2D:        pts.Means2D,
		PointDepths:     pts.Depths,
		PointOffsets:    pointOffsets,
		PointFlattenIDs: pointIsects.FlattenIDs,
	}, opts)
	if err != nil {
		return nil, err
	}

	out.PointColors = raster.ResizeChannels(out.PointColors, p.channels)
	out.Image.Colors = raster.ResizeChannels(out.Image.Colors, p.channels)
	logger.Debugf("integrated %d points over %d cameras", points.Dim(0), cams.Len())
	return out, nil
}
