package raster

import (
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/tiles"
	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

// Input holds the projected primitives and the sorted tile bins to
// composite. Per-primitive buffers are either dense [C,N,...] rows or
// packed [nnz,...] rows; FlattenIDs index these rows.
type Input struct {
	Means2D   *device.Buffer // [...,2]
	Conics    *device.Buffer // [...,3]
	Colors    *device.Buffer // [...,D]
	Opacities *device.Buffer // [C,N] or [nnz]

	Backgrounds *device.Buffer // [C,D], optional
	Masks       *device.Buffer // [C,TH,TW] uint8, optional; zero skips the tile

	// Ray geometry of each primitive; required for geometry outputs.
	RayTs     *device.Buffer // [...]
	RayPlanes *device.Buffer // [...,2]
	Normals   *device.Buffer // [...,3]

	// Camera-space quadratic forms; required for ray tracing.
	View2Gaussians *device.Buffer // [...,10]

	// Camera intrinsics; required for geometry outputs and ray tracing.
	Ks          *device.Buffer // [C,3,3]
	CameraModel scene.CameraModel

	Offsets    *device.Buffer // [C,TH,TW] int32
	FlattenIDs *device.Buffer // [n] int32

	Grid     tiles.Grid
	Width    int
	Height   int
	NCameras int
	Packed   bool
}

// Channels returns the channel count of the colors.
func (in Input) Channels() int {
	shape := in.Colors.Shape()
	return shape[len(shape)-1]
}

// Rows returns the number of primitive rows.
func (in Input) Rows() int {
	return in.Opacities.Len()
}

func checkRows(b *device.Buffer, rows, width int, name string) error {
	if b == nil {
		return fmt.Errorf("%w: %s", ErrMissingInput, name)
	}
	if err := b.CheckDType(device.Float32); err != nil {
		return err
	}
	if b.Len() != rows*width {
		return fmt.Errorf("%w: %s has shape %v; expected %d rows of %d values", device.ErrShapeMismatch, name, b.Shape(), rows, width)
	}
	return nil
}

// validate checks the input against the requested compositing mode.
func (in Input) validate(opts Options, rayTraced bool) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if in.Opacities == nil || in.Colors == nil || in.Offsets == nil || in.FlattenIDs == nil {
		return fmt.Errorf("%w: opacities, colors, offsets and flatten ids are required", ErrMissingInput)
	}
	if in.NCameras <= 0 {
		return scene.ErrNoCameras
	}
	if err := in.Grid.Validate(in.Width, in.Height); err != nil {
		return err
	}

	if in.Packed {
		if err := in.Opacities.CheckShape(-1); err != nil {
			return err
		}
	} else if err := in.Opacities.CheckShape(in.NCameras, -1); err != nil {
		return err
	}
	rows := in.Rows()

	d := in.Channels()
	if !IsSupportedChannels(d) {
		return fmt.Errorf("%w: %s has %d channels; pad to one of %v", ErrUnsupportedChannels, in.Colors.Name(), d, SupportedChannels)
	}
	if err := checkRows(in.Colors, rows, d, "colors"); err != nil {
		return err
	}

	if rayTraced {
		if opts.Geometry {
			return fmt.Errorf("%w: geometry outputs are not available when ray tracing", ErrUnsupportedCombination)
		}
		if err := checkRows(in.View2Gaussians, rows, 10, "view2gaussians"); err != nil {
			return err
		}
	} else {
		if err := checkRows(in.Means2D, rows, 2, "means2d"); err != nil {
			return err
		}
		if err := checkRows(in.Conics, rows, 3, "conics"); err != nil {
			return err
		}
	}

	if opts.Geometry {
		for _, b := range []struct {
			buf   *device.Buffer
			width int
			name  string
		}{
			{in.RayTs, 1, "ray_ts"},
			{in.RayPlanes, 2, "ray_planes"},
			{in.Normals, 3, "normals"},
		} {
			if err := checkRows(b.buf, rows, b.width, b.name); err != nil {
				return err
			}
		}
	}
	if opts.Geometry || rayTraced {
		if in.CameraModel == scene.Fisheye {
			return fmt.Errorf("%w: pixel rays require a pinhole or ortho camera", ErrUnsupportedCombination)
		}
		if in.Ks == nil {
			return fmt.Errorf("%w: Ks", ErrMissingInput)
		}
		if err := in.Ks.CheckShape(in.NCameras, 3, 3); err != nil {
			return err
		}
	}

	if in.Backgrounds != nil {
		if err := in.Backgrounds.CheckShape(in.NCameras, d); err != nil {
			return err
		}
	}
	if in.Masks != nil {
		if err := in.Masks.CheckDType(device.Uint8); err != nil {
			return err
		}
		if err := in.Masks.CheckShape(in.NCameras, in.Grid.TileHeight, in.Grid.TileWidth); err != nil {
			return err
		}
	}
	if err := in.Offsets.CheckShape(in.NCameras, in.Grid.TileHeight, in.Grid.TileWidth); err != nil {
		return err
	}
	return ValidateIntersections(in.Offsets, in.FlattenIDs, rows)
}

// ValidateIntersections checks that offsets is a non-decreasing table of
// starts into flattenIDs and that every flatten id addresses one of rows
// primitives.
func ValidateIntersections(offsets, flattenIDs *device.Buffer, rows int) error {
	if err := offsets.CheckDType(device.Int32); err != nil {
		return err
	}
	if err := flattenIDs.CheckDType(device.Int32); err != nil {
		return err
	}
	if err := flattenIDs.CheckShape(-1); err != nil {
		return err
	}
	flatten := device.Data[int32](flattenIDs)
	for i, id := range flatten {
		if id < 0 || int(id) >= rows {
			return fmt.Errorf("%w: %s[%d] = %d; expected [0, %d)", ErrInvalidIndex, flattenIDs.Name(), i, id, rows)
		}
	}
	prev := int32(0)
	for i, start := range device.Data[int32](offsets) {
		if start < prev || int(start) > len(flatten) {
			return fmt.Errorf("%w: %s[%d] = %d; expected [%d, %d]", ErrInvalidIndex, offsets.Name(), i, start, prev, len(flatten))
		}
		prev = start
	}
	return nil
}

// views holds typed slices over the input buffers.
type views struct {
	means2D, conics, colors, opacities []float32
	backgrounds                        []float32
	masks                              []uint8
	rayTs, rayPlanes, normals          []float32
	view2g                             []float32
	ks                                 []float32

	offsets, flatten []int32

	model  scene.CameraModel
	grid   tiles.Grid
	width  int
	height int
	d      int
}

func newViews(in Input) *views {
	return &views{
		means2D:     device.Data[float32](in.Means2D),
		conics:      device.Data[float32](in.Conics),
		colors:      device.Data[float32](in.Colors),
		opacities:   device.Data[float32](in.Opacities),
		backgrounds: device.Data[float32](in.Backgrounds),
		masks:       device.Data[uint8](in.Masks),
		rayTs:       device.Data[float32](in.RayTs),
		rayPlanes:   device.Data[float32](in.RayPlanes),
		normals:     device.Data[float32](in.Normals),
		view2g:      device.Data[float32](in.View2Gaussians),
		ks:          device.Data[float32](in.Ks),
		offsets:     device.Data[int32](in.Offsets),
		flatten:     device.Data[int32](in.FlattenIDs),
		model:       in.CameraModel,
		grid:        in.Grid,
		width:       in.Width,
		height:      in.Height,
		d:           in.Channels(),
	}
}

// tileRange returns the sorted intersection range of a (camera, tile) index.
func (v *views) tileRange(flat int) (int, int) {
	return tiles.TileRange(v.offsets, flat, len(v.flatten))
}

// masked reports whether a (camera, tile) index is skipped.
func (v *views) masked(flat int) bool {
	return v.masks != nil && v.masks[flat] == 0
}

// schedule splits the (camera, tile) indices into work groups of similar
// intersection counts.
func (v *views) schedule(dev *device.Device, opts Options) []device.Batch {
	weights := make([]int, len(v.offsets))
	for flat := range weights {
		start, end := v.tileRange(flat)
		weights[flat] = end - start
	}
	return opts.scheduler().Schedule(weights, 4*max(1, dev.Workers))
}

// tilePixels returns the camera and the clipped pixel rectangle of a
// (camera, tile) index.
func (v *views) tilePixels(flat int) (cam, x0, y0, x1, y1 int) {
	tilesPerCam := v.grid.Tiles()
	cam = flat / tilesPerCam
	tile := flat % tilesPerCam
	tx, ty := tile%v.grid.TileWidth, tile/v.grid.TileWidth
	x0, y0 = tx*v.grid.TileSize, ty*v.grid.TileSize
	x1 = min(x0+v.grid.TileSize, v.width)
	y1 = min(y0+v.grid.TileSize, v.height)
	return cam, x0, y0, x1, y1
}

// pixel describes the sample point of one output pixel.
type pixel struct {
	cam  int
	x, y float32

	// Camera-space ray through the pixel center.
	origin, dir types.Vec3

	// Converts ray distances into camera-space depth.
	depthScale float32
}

func (v *views) pixelAt(cam, x, y int) pixel {
	px := pixel{cam: cam, x: float32(x) + 0.5, y: float32(y) + 0.5, depthScale: 1}
	if v.ks == nil {
		return px
	}
	k := v.ks[cam*9 : cam*9+9]
	u := (px.x - k[2]) / k[0]
	w := (px.y - k[5]) / k[4]
	if v.model == scene.Ortho {
		px.origin = types.Vec3{u, w, 0}
		px.dir = types.Vec3{0, 0, 1}
		return px
	}
	px.dir = types.Vec3{u, w, 1}
	px.depthScale = 1 / px.dir.Len()
	return px
}

// depthAt returns the camera-space depth of primitive row r along the ray of
// px together with the pixel offset from the primitive center.
func (v *views) depthAt(r int, px *pixel) (float32, types.Vec2) {
	delta := types.Vec2{v.means2D[r*2] - px.x, v.means2D[r*2+1] - px.y}
	t := v.rayTs[r] - v.rayPlanes[r*2]*delta[0] - v.rayPlanes[r*2+1]*delta[1]
	return t * px.depthScale, delta
}

// A footprint evaluates the falloff exponent of a primitive at a pixel. The
// blending weight of the primitive is opacity * exp(-sigma).
type footprint interface {
	sigma(r int, px *pixel) float32

	// Accumulate vSigma * d(sigma)/d(params) into slot k of s.
	sigmaVJP(r int, px *pixel, vSigma float32, k int, s *scratch)
}

// conicFootprint evaluates the screen-space conic of each primitive.
type conicFootprint struct {
	means2D, conics []float32
}

func (f conicFootprint) sigma(r int, px *pixel) float32 {
	dx, dy := f.means2D[r*2]-px.x, f.means2D[r*2+1]-px.y
	a, b, c := f.conics[r*3], f.conics[r*3+1], f.conics[r*3+2]
	return 0.5*(a*dx*dx+c*dy*dy) + b*dx*dy
}

func (f conicFootprint) sigmaVJP(r int, px *pixel, vSigma float32, k int, s *scratch) {
	dx, dy := f.means2D[r*2]-px.x, f.means2D[r*2+1]-px.y
	a, b, c := f.conics[r*3], f.conics[r*3+1], f.conics[r*3+2]

	s.conics[k*3] += 0.5 * vSigma * dx * dx
	s.conics[k*3+1] += vSigma * dx * dy
	s.conics[k*3+2] += 0.5 * vSigma * dy * dy

	vx := vSigma * (a*dx + b*dy)
	vy := vSigma * (b*dx + c*dy)
	s.means2D[k*2] += vx
	s.means2D[k*2+1] += vy
	if s.absMeans2D != nil {
		s.absMeans2D[k*2] += math32.Abs(vx)
		s.absMeans2D[k*2+1] += math32.Abs(vy)
	}
}

// scratch holds per-tile accumulators indexed by the position of a primitive
// within the tile's sorted range. Nil slices are not tracked.
type scratch struct {
	transmittance []float32

	means2D, conics, absMeans2D []float32
	view2g                      []float32
	colors, opacities           []float32
	rayTs, rayPlanes, normals   []float32
	backgrounds                 []float32
}

func grow(s []float32, n int) []float32 {
	if s == nil {
		return nil
	}
	if cap(s) < n {
		return make([]float32, n)
	}
	s = s[:n]
	clear(s)
	return s
}

// reset sizes the per-primitive accumulators for m primitives and d channels.
func (s *scratch) reset(m, d int) {
	s.transmittance = grow(s.transmittance, m)
	s.means2D = grow(s.means2D, m*2)
	s.conics = grow(s.conics, m*3)
	s.absMeans2D = grow(s.absMeans2D, m*2)
	s.view2g = grow(s.view2g, m*10)
	s.colors = grow(s.colors, m*d)
	s.opacities = grow(s.opacities, m)
	s.rayTs = grow(s.rayTs, m)
	s.rayPlanes = grow(s.rayPlanes, m*2)
	s.normals = grow(s.normals, m*3)
	s.backgrounds = grow(s.backgrounds, d)
}

// flushRow atomically adds the width values of slot k into row r of dst.
func flushRow(dst, src []float32, r, k, width int) {
	if dst == nil {
		return
	}
	device.AtomicAddFloat32s(dst[r*width:(r+1)*width], src[k*width:(k+1)*width])
}
