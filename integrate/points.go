package integrate

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/log"
	"github.com/achilleasa/gsplat/raster"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/tiles"
	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

var logger = log.New("integrate")

// DefaultConditionThreshold is the squared Mahalanobis distance of the
// camera center below which a Gaussian is treated as enclosing the camera.
const DefaultConditionThreshold = 9

type Options struct {
	// Compositing thresholds shared with the pixel renderer.
	Raster raster.Options

	// Gaussians whose condition is below this value occlude every point
	// along the ray with their full alpha.
	ConditionThreshold float32
}

// DefaultOptions returns the point integration defaults.
func DefaultOptions() Options {
	return Options{
		Raster:             raster.DefaultOptions(),
		ConditionThreshold: DefaultConditionThreshold,
	}
}

// Input holds the dense projected Gaussians, their tile bins and a set of
// query points binned against the same tile grid.
//
// When the embedded View2Gaussians rows are set the points are integrated
// through the camera-space quadratic form of every Gaussian and the ray
// geometry buffers are not needed. Otherwise RayTs, RayPlanes, InvRayCov3Ds
// and Conditions drive the attenuation behind each density peak.
type Input struct {
	raster.Input

	InvRayCov3Ds *device.Buffer // [C,N,6]
	Conditions   *device.Buffer // [C,N]

	Points2D        *device.Buffer // [C,P,2]
	PointDepths     *device.Buffer // [C,P]
	PointOffsets    *device.Buffer // [C,TH,TW] int32
	PointFlattenIDs *device.Buffer // [m] int32
}

// Output holds the integrated point values together with the pixel image
// rendered from the same Gaussians.
type Output struct {
	Image *raster.Output

	PointColors      *device.Buffer // [C,P,D]
	PointAlphas      *device.Buffer // [C,P,1]
	PointCoordinates *device.Buffer // [C,P,3] camera space
	PointSDF         *device.Buffer // [C,P]; zero on the 0.5 opacity level set
}

func (in Input) rayTraced() bool {
	return in.View2Gaussians != nil
}

func (in Input) validate() error {
	if in.Packed {
		return fmt.Errorf("%w: point integration requires dense projections", ErrUnsupportedCombination)
	}
	if in.CameraModel == scene.Fisheye {
		return fmt.Errorf("%w: point rays require a pinhole or ortho camera", ErrUnsupportedCombination)
	}

	type required struct {
		buf   *device.Buffer
		width int
		name  string
	}
	perRow := []required{{in.View2Gaussians, 10, "view2gaussians"}}
	if !in.rayTraced() {
		perRow = []required{
			{in.RayTs, 1, "ray_ts"},
			{in.RayPlanes, 2, "ray_planes"},
			{in.InvRayCov3Ds, 6, "invraycov3ds"},
			{in.Conditions, 1, "conditions"},
		}
	}
	for _, b := range append(perRow,
		required{in.Ks, 9, "Ks"},
		required{in.Points2D, 2, "points2d"},
		required{in.PointDepths, 1, "point_depths"},
		required{in.PointOffsets, 1, "point_offsets"},
		required{in.PointFlattenIDs, 1, "point_flatten_ids"},
	) {
		if b.buf == nil {
			return fmt.Errorf("%w: %s", ErrMissingInput, b.name)
		}
	}

	rows := in.Rows()
	for _, b := range perRow {
		if b.buf.Len() != rows*b.width {
			return fmt.Errorf("%w: %s has shape %v; expected %d rows of %d values", device.ErrShapeMismatch, b.buf.Name(), b.buf.Shape(), rows, b.width)
		}
	}
	if err := in.Ks.CheckShape(in.NCameras, 3, 3); err != nil {
		return err
	}
	if err := in.PointDepths.CheckShape(in.NCameras, -1); err != nil {
		return err
	}
	if err := in.Points2D.CheckShape(in.NCameras, in.PointDepths.Dim(1), 2); err != nil {
		return err
	}
	if err := in.PointOffsets.CheckShape(in.NCameras, in.Grid.TileHeight, in.Grid.TileWidth); err != nil {
		return err
	}
	return raster.ValidateIntersections(in.PointOffsets, in.PointFlattenIDs, in.PointDepths.Len())
}

// Points composites the Gaussians in front of every query point. A point
// receives the full alpha of Gaussians whose density peak lies in front of
// it along its pixel ray and an attenuated alpha from Gaussians behind it.
// The pixel image of the same Gaussians is rendered alongside.
func Points(ctx context.Context, dev *device.Device, in Input, opts Options) (*Output, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	render := raster.Forward
	if in.rayTraced() {
		render = raster.RayTraceForward
	}
	image, _, err := render(ctx, dev, in.Input, opts.Raster)
	if err != nil {
		return nil, err
	}

	nCams, nPoints, d := in.NCameras, in.PointDepths.Dim(1), in.Channels()
	out := &Output{
		Image:            image,
		PointColors:      device.Alloc[float32]("point_colors", nCams, nPoints, d),
		PointAlphas:      device.Alloc[float32]("point_alphas", nCams, nPoints, 1),
		PointCoordinates: device.Alloc[float32]("point_coordinates", nCams, nPoints, 3),
		PointSDF:         device.Alloc[float32]("point_sdf", nCams, nPoints),
	}
	pi := newPointIntegrator(in, opts, out)

	coords := dev.Kernel(pointCoordinates.String(), func(g device.Group) error {
		start, end := g.Range()
		for row := start; row < end; row++ {
			q := pi.query(row/nPoints, row)
			p := q.origin.Add(q.dir.Mul(q.depth))
			copy(pi.coords[row*3:row*3+3], p[:])
			pi.sdf[row] = 0.5
		}
		return nil
	})
	if _, err = coords.Exec1D(ctx, 0, nCams*nPoints, 0); err != nil {
		return nil, err
	}

	integrate := dev.Kernel(integratePoints.String(), func(g device.Group) error {
		first, last := g.Range()
		for flat := first; flat < last; flat++ {
			pi.integrateTile(flat)
		}
		return nil
	})
	if _, err = integrate.ExecBatches(ctx, pi.schedule(dev)); err != nil {
		return nil, err
	}

	logger.Debugf("integrated %d points against %d gaussian intersections (ray traced: %t)", len(pi.pointFlatten), len(pi.flatten), in.rayTraced())
	return out, nil
}

type pointIntegrator struct {
	opts  Options
	model scene.CameraModel
	grid  tiles.Grid
	d     int

	means2D, conics, colors, opacities []float32
	rayTs, rayPlanes                   []float32
	invCovs, conditions                []float32
	view2g                             []float32
	backgrounds                        []float32
	ks                                 []float32
	offsets, flatten                   []int32

	points2D, depths           []float32
	pointOffsets, pointFlatten []int32

	pointColors, pointAlphas, coords, sdf []float32
}

func newPointIntegrator(in Input, opts Options, out *Output) *pointIntegrator {
	return &pointIntegrator{
		opts:         opts,
		model:        in.CameraModel,
		grid:         in.Grid,
		d:            in.Channels(),
		means2D:      device.Data[float32](in.Means2D),
		conics:       device.Data[float32](in.Conics),
		colors:       device.Data[float32](in.Colors),
		opacities:    device.Data[float32](in.Opacities),
		rayTs:        device.Data[float32](in.RayTs),
		rayPlanes:    device.Data[float32](in.RayPlanes),
		invCovs:      device.Data[float32](in.InvRayCov3Ds),
		conditions:   device.Data[float32](in.Conditions),
		view2g:       device.Data[float32](in.View2Gaussians),
		backgrounds:  device.Data[float32](in.Backgrounds),
		ks:           device.Data[float32](in.Ks),
		offsets:      device.Data[int32](in.Offsets),
		flatten:      device.Data[int32](in.FlattenIDs),
		points2D:     device.Data[float32](in.Points2D),
		depths:       device.Data[float32](in.PointDepths),
		pointOffsets: device.Data[int32](in.PointOffsets),
		pointFlatten: device.Data[int32](in.PointFlattenIDs),
		pointColors:  device.Data[float32](out.PointColors),
		pointAlphas:  device.Data[float32](out.PointAlphas),
		coords:       device.Data[float32](out.PointCoordinates),
		sdf:          device.Data[float32](out.PointSDF),
	}
}

// schedule weighs every (camera, tile) by the number of point and Gaussian
// pairs it evaluates.
func (pi *pointIntegrator) schedule(dev *device.Device) []device.Batch {
	weights := make([]int, len(pi.pointOffsets))
	for flat := range weights {
		ps, pe := tiles.TileRange(pi.pointOffsets, flat, len(pi.pointFlatten))
		gs, ge := tiles.TileRange(pi.offsets, flat, len(pi.flatten))
		weights[flat] = (pe - ps) * (ge - gs)
	}
	sch := pi.opts.Raster.Scheduler
	if sch == nil {
		sch = device.BalancedScheduler(1)
	}
	return sch.Schedule(weights, 4*max(1, dev.Workers))
}

// pointQuery is the camera-space ray origin + t*dir through a query point.
// The ray is parameterized by camera depth so the point sits at t = depth.
type pointQuery struct {
	x, y   float32
	depth  float32
	origin types.Vec3
	dir    types.Vec3

	// Euclidean distance of the point along the ray and the unit direction.
	dist float32
	dirN types.Vec3
}

// query unprojects point row p of camera cam. Pinhole rays start at the
// camera center with direction K^-1 (x, y, 1); ortho rays start at the
// unprojected (x, y, 0) and run along +z.
func (pi *pointIntegrator) query(cam, p int) pointQuery {
	q := pointQuery{x: pi.points2D[p*2], y: pi.points2D[p*2+1], depth: pi.depths[p]}
	k := pi.ks[cam*9 : cam*9+9]
	u, v := (q.x-k[2])/k[0], (q.y-k[5])/k[4]
	if pi.model == scene.Ortho {
		q.origin = types.Vec3{u, v, 0}
		q.dir = types.Vec3{0, 0, 1}
	} else {
		q.dir = types.Vec3{u, v, 1}
	}
	q.dist = q.depth * q.dir.Len()
	q.dirN = q.dir.Normalize()
	return q
}

// alphaAt returns the blending weight of Gaussian row r at the query point
// and false when the Gaussian is skipped.
func (pi *pointIntegrator) alphaAt(r int, q *pointQuery) (float32, bool) {
	ro := pi.opts.Raster
	if pi.view2g != nil {
		sigma := raster.RayExponent(pi.view2g, r, q.origin, q.dir, q.depth)
		if sigma < 0 {
			return 0, false
		}
		alpha := math32.Min(ro.MaxAlpha, pi.opacities[r]*math32.Exp(-sigma))
		return alpha, alpha >= ro.AlphaThreshold
	}

	dx, dy := pi.means2D[r*2]-q.x, pi.means2D[r*2+1]-q.y
	a, b, c := pi.conics[r*3], pi.conics[r*3+1], pi.conics[r*3+2]
	sigma := 0.5*(a*dx*dx+c*dy*dy) + b*dx*dy
	if sigma < 0 {
		return 0, false
	}
	alpha := math32.Min(ro.MaxAlpha, pi.opacities[r]*math32.Exp(-sigma))
	if alpha < ro.AlphaThreshold {
		return 0, false
	}

	// Points in front of the density peak are only partially occluded.
	ti := pi.rayTs[r] - pi.rayPlanes[r*2]*dx - pi.rayPlanes[r*2+1]*dy
	if pi.conditions[r] >= pi.opts.ConditionThreshold && q.dist < ti {
		invCov := types.SymFromUpper(pi.invCovs[r*6 : r*6+6])
		dt := q.dist - ti
		alpha *= math32.Exp(-0.5 * dt * dt * q.dirN.Dot(invCov.MulVec(q.dirN)))
	}
	return alpha, true
}

func (pi *pointIntegrator) integrateTile(flat int) {
	ps, pe := tiles.TileRange(pi.pointOffsets, flat, len(pi.pointFlatten))
	if ps == pe {
		return
	}
	gs, ge := tiles.TileRange(pi.offsets, flat, len(pi.flatten))
	cam := flat / pi.grid.Tiles()
	d := pi.d

	for _, row := range pi.pointFlatten[ps:pe] {
		p := int(row)
		q := pi.query(cam, p)
		color := pi.pointColors[p*d : (p+1)*d]

		T := float32(1)
		for _, gid := range pi.flatten[gs:ge] {
			r := int(gid)
			alpha, ok := pi.alphaAt(r, &q)
			if !ok {
				continue
			}
			next := T * (1 - alpha)
			if next <= pi.opts.Raster.TransmittanceThreshold {
				break
			}
			weight := alpha * T
			for k, col := range pi.colors[r*d : (r+1)*d] {
				color[k] += col * weight
			}
			T = next
		}

		if pi.backgrounds != nil {
			for k, bg := range pi.backgrounds[cam*d : (cam+1)*d] {
				color[k] += T * bg
			}
		}
		pi.pointAlphas[p] = 1 - T
		pi.sdf[p] = 0.5 - pi.pointAlphas[p]
	}
}
