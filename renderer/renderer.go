package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/log"
	"github.com/achilleasa/gsplat/projection"
	"github.com/achilleasa/gsplat/raster"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/tiles"
)

var logger = log.New("renderer")

// A Renderer runs the splatting pipeline on a device: project, bin into
// tiles, sort, encode tile offsets and composite.
type Renderer struct {
	dev  *device.Device
	opts Options
}

// Frame holds the rendered images of every camera.
type Frame struct {
	Colors *device.Buffer // [C,H,W,D]
	Alphas *device.Buffer // [C,H,W,1]

	// Geometry outputs.
	ExpectedDepths  *device.Buffer // [C,H,W,1]
	MedianDepths    *device.Buffer // [C,H,W,1]
	ExpectedNormals *device.Buffer // [C,H,W,3]

	// Projected pixel radius and center of every row.
	Radii   *device.Buffer
	Means2D *device.Buffer

	Stats FrameStats
}

// SavedState is everything Backward needs to replay a rendered frame. It
// must not be modified once Render returns.
type SavedState struct {
	owner *Renderer

	gaussians *scene.Gaussians
	projIn    projection.Input
	projOpts  projection.Options
	proj      *projection.Result
	raster    *raster.State

	channels int
}

// New creates a renderer that launches its kernels on dev.
func New(dev *device.Device, opts Options) (*Renderer, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: no device", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Renderer{dev: dev, opts: opts}, nil
}

// Options returns the renderer options.
func (r *Renderer) Options() Options {
	return r.opts
}

// pass holds the binned primitives shared by the compositing stages.
type pass struct {
	stats FrameStats

	projIn   projection.Input
	projOpts projection.Options
	res      *projection.Result
	isects   *tiles.Intersections
	in       raster.Input

	channels int
}

func validateScene(g *scene.Gaussians, cams *scene.Cameras) error {
	if cams == nil || cams.Viewmats == nil || cams.Len() == 0 {
		return ErrNoCameras
	}
	if g == nil || g.Means == nil || g.Len() == 0 {
		return ErrNoGaussians
	}
	if err := cams.Validate(); err != nil {
		return err
	}
	return g.Validate()
}

// prepare projects the Gaussians and bins them into sorted tile ranges.
func (r *Renderer) prepare(ctx context.Context, g *scene.Gaussians, cams *scene.Cameras, projOpts projection.Options) (*pass, error) {
	if err := validateScene(g, cams); err != nil {
		return nil, err
	}
	d := g.Channels()
	padded, err := raster.PaddedChannels(d)
	if err != nil {
		return nil, err
	}
	if len(r.opts.Background) != 0 && len(r.opts.Background) != d {
		return nil, fmt.Errorf("%w: background has %d channels; expected %d", ErrInvalidOptions, len(r.opts.Background), d)
	}
	grid := r.TileGrid(cams.Width, cams.Height)

	p := &pass{
		projIn:   projection.Input{Means: g.Means, Cov: g.Cov, Cameras: cams},
		projOpts: projOpts,
		channels: d,
	}
	if err = p.stats.stage("project", func() (err error) {
		p.res, err = projection.Project(ctx, r.dev, p.projIn, projOpts)
		return err
	}); err != nil {
		return nil, err
	}

	if err = p.stats.stage("intersect", func() (err error) {
		p.isects, err = tiles.Intersect(ctx, r.dev, tiles.IntersectInput{
			Means2D:   p.res.Means2D,
			Radii:     p.res.Radii,
			Depths:    p.res.Depths,
			Packed:    p.res.Packed,
			CameraIDs: p.res.CameraIDs,
			NCameras:  p.res.NCameras,
		}, grid, tiles.IntersectOptions{})
		return err
	}); err != nil {
		return nil, err
	}

	if err = p.stats.stage("sort", func() error {
		if err := tiles.RadixSort(ctx, r.dev, p.isects.IsectIDs, p.isects.FlattenIDs, p.isects.Layout.Bits()); err != nil {
			return err
		}
		p.isects.Sorted = true
		return nil
	}); err != nil {
		return nil, err
	}

	var offsets *device.Buffer
	if err = p.stats.stage("offsets", func() (err error) {
		offsets, err = tiles.EncodeOffsets(ctx, r.dev, p.isects, grid)
		return err
	}); err != nil {
		return nil, err
	}

	p.in = raster.Input{
		Means2D:     p.res.Means2D,
		Conics:      p.res.Conics,
		RayTs:       p.res.RayTs,
		RayPlanes:   p.res.RayPlanes,
		Normals:     p.res.Normals,
		Ks:          cams.Ks,
		CameraModel: cams.Model,
		Offsets:     offsets,
		FlattenIDs:  p.isects.FlattenIDs,
		Grid:        grid,
		Width:       cams.Width,
		Height:      cams.Height,
		NCameras:    cams.Len(),
		Packed:      p.res.Packed,
	}
	if len(r.opts.Background) != 0 {
		p.in.Backgrounds = r.backgrounds(cams.Len(), padded)
	}
	if err = p.stats.stage("attributes", func() (err error) {
		p.in.Opacities, p.in.Colors, err = r.rowAttributes(ctx, g, p.res, padded)
		return err
	}); err != nil {
		return nil, err
	}

	p.stats.Visible = p.res.Visible()
	p.stats.Intersections = p.isects.Len()
	return p, nil
}

// TileGrid returns the tile grid used to render images of the given size.
func (r *Renderer) TileGrid(width, height int) tiles.Grid {
	return tiles.NewGrid(width, height, r.opts.TileSize)
}

// backgrounds broadcasts the configured background to every camera.
func (r *Renderer) backgrounds(nCams, padded int) *device.Buffer {
	out := device.Alloc[float32]("backgrounds", nCams, padded)
	dst := device.Data[float32](out)
	for c := 0; c < nCams; c++ {
		copy(dst[c*padded:], r.opts.Background)
	}
	return out
}

// rowAttributes gathers the opacity and padded color of the Gaussian behind
// every projected row. Anti-aliased opacities are scaled by the row's
// compensation factor.
func (r *Renderer) rowAttributes(ctx context.Context, g *scene.Gaussians, res *projection.Result, padded int) (*device.Buffer, *device.Buffer, error) {
	rows, d := res.Rows(), g.Channels()
	var opacities, colors *device.Buffer
	if res.Packed {
		opacities = device.Alloc[float32]("opacities", rows)
		colors = device.Alloc[float32]("colors", rows, padded)
	} else {
		opacities = device.Alloc[float32]("opacities", res.NCameras, res.NGaussians)
		colors = device.Alloc[float32]("colors", res.NCameras, res.NGaussians, padded)
	}
	dstOpac, dstColors := device.Data[float32](opacities), device.Data[float32](colors)
	srcOpac, srcColors := device.Data[float32](g.Opacities), device.Data[float32](g.Colors)
	comps := device.Data[float32](res.Compensations)
	radii := device.Data[int32](res.Radii)

	kernel := r.dev.Kernel(gatherAttributes.String(), func(grp device.Group) error {
		start, end := grp.Range()
		for row := start; row < end; row++ {
			if radii[row] <= 0 {
				continue
			}
			_, gid := res.RowIDs(row)
			dstOpac[row] = srcOpac[gid]
			if r.opts.AntiAliased {
				dstOpac[row] *= comps[row]
			}
			copy(dstColors[row*padded:row*padded+d], srcColors[gid*d:(gid+1)*d])
		}
		return nil
	})
	if _, err := kernel.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, nil, err
	}
	return opacities, colors, nil
}

// Render draws the Gaussians from every camera. The returned state can be
// passed to Backward to obtain the scene gradients of a loss on the frame.
func (r *Renderer) Render(ctx context.Context, g *scene.Gaussians, cams *scene.Cameras) (*Frame, *SavedState, error) {
	return r.RenderMasked(ctx, g, cams, nil)
}

// RenderMasked works like Render but skips the tiles whose entry in the
// [C, TileHeight, TileWidth] uint8 masks buffer is zero. Pixels of skipped
// tiles receive the background and contribute no gradients to the Gaussians.
// Use TileGrid to size the masks.
func (r *Renderer) RenderMasked(ctx context.Context, g *scene.Gaussians, cams *scene.Cameras, masks *device.Buffer) (*Frame, *SavedState, error) {
	tick := time.Now()
	before := r.dev.KernelStats()

	p, err := r.prepare(ctx, g, cams, r.opts.projectionOptions())
	if err != nil {
		return nil, nil, err
	}
	p.in.Masks = masks

	var out *raster.Output
	var rst *raster.State
	if err = p.stats.stage("composite", func() (err error) {
		if r.opts.Mode == RayTrace {
			p.in.View2Gaussians, err = projection.ViewToGaussians(ctx, r.dev, p.projIn, p.projOpts, p.res)
			if err != nil {
				return err
			}
			out, rst, err = raster.RayTraceForward(ctx, r.dev, p.in, r.opts.rasterOptions())
			return err
		}
		out, rst, err = raster.Forward(ctx, r.dev, p.in, r.opts.rasterOptions())
		return err
	}); err != nil {
		return nil, nil, err
	}

	frame := &Frame{
		Colors:          raster.ResizeChannels(out.Colors, p.channels),
		Alphas:          out.Alphas,
		ExpectedDepths:  out.ExpectedDepths,
		MedianDepths:    out.MedianDepths,
		ExpectedNormals: out.ExpectedNormals,
		Radii:           p.res.Radii,
		Means2D:         p.res.Means2D,
		Stats:           p.stats,
	}
	frame.Stats.Kernels = kernelDelta(before, r.dev.KernelStats())
	frame.Stats.RenderTime = time.Since(tick)

	st := &SavedState{
		owner:     r,
		gaussians: g,
		projIn:    p.projIn,
		projOpts:  p.projOpts,
		proj:      p.res,
		raster:    rst,
		channels:  p.channels,
	}
	logger.Debugf("rendered %d cameras at %dx%d: %d visible rows, %d intersections in %s",
		cams.Len(), cams.Width, cams.Height, frame.Stats.Visible, frame.Stats.Intersections, frame.Stats.RenderTime)
	return frame, st, nil
}
