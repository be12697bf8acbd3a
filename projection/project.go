package projection

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/log"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

var logger = log.New("projection")

// Input bundles the Gaussians and cameras consumed by the projection stage.
type Input struct {
	Means   *device.Buffer // [N,3]
	Cov     scene.CovarianceSpec
	Cameras *scene.Cameras
}

// Validate checks the input buffer shapes.
func (in Input) Validate() error {
	if in.Cameras == nil {
		return scene.ErrNoCameras
	}
	if err := in.Cameras.Validate(); err != nil {
		return err
	}
	if in.Means == nil {
		return fmt.Errorf("%w: missing means", device.ErrShapeMismatch)
	}
	if err := in.Means.CheckShape(-1, 3); err != nil {
		return err
	}
	if in.Cov == nil {
		return scene.ErrMissingCovariance
	}
	return in.Cov.Validate(in.Means.Dim(0))
}

// Result holds the projected primitives. Dense results are laid out as
// [C,N,...] rows where culled entries have a zero radius; packed results
// only contain the nnz visible rows, ordered by camera and then gaussian.
type Result struct {
	Radii         *device.Buffer // [C,N] or [nnz] int32
	Means2D       *device.Buffer // [...,2]
	Depths        *device.Buffer // [...]
	Conics        *device.Buffer // [...,3]
	Compensations *device.Buffer // [...], optional

	RayTs     *device.Buffer // [...], optional
	RayPlanes *device.Buffer // [...,2], optional
	Normals   *device.Buffer // [...,3], optional

	InvRayCov3Ds *device.Buffer // [...,6], optional
	Conditions   *device.Buffer // [...], optional

	// Packed layout only.
	Indptr      *device.Buffer // [C+1] int32
	CameraIDs   *device.Buffer // [nnz] int32
	GaussianIDs *device.Buffer // [nnz] int32

	Packed     bool
	NCameras   int
	NGaussians int
}

// Rows returns the number of projected rows; C*N for dense results and nnz
// for packed ones.
func (r *Result) Rows() int {
	return r.Radii.Len()
}

// Visible returns the number of rows with a non-zero radius.
func (r *Result) Visible() int {
	count := 0
	for _, radius := range device.Data[int32](r.Radii) {
		if radius > 0 {
			count++
		}
	}
	return count
}

// RowIDs returns the camera and gaussian index of a result row.
func (r *Result) RowIDs(row int) (int, int) {
	if r.Packed {
		return int(device.Data[int32](r.CameraIDs)[row]), int(device.Data[int32](r.GaussianIDs)[row])
	}
	return row / r.NGaussians, row % r.NGaussians
}

// projector holds typed views over the projection inputs shared by the
// forward and backward kernels.
type projector struct {
	opts   Options
	model  scene.CameraModel
	width  int
	height int
	nCams  int
	n      int

	means    []float32
	covars   []float32
	quats    []float32
	scales   []float32
	viewmats []float32
	ks       []float32

	lenses []lens
}

func newProjector(in Input, opts Options) (*projector, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	cams := in.Cameras
	if err := opts.Validate(cams.Model); err != nil {
		return nil, err
	}

	p := &projector{
		opts:     opts,
		model:    cams.Model,
		width:    cams.Width,
		height:   cams.Height,
		nCams:    cams.Len(),
		n:        in.Means.Dim(0),
		means:    device.Data[float32](in.Means),
		viewmats: device.Data[float32](cams.Viewmats),
		ks:       device.Data[float32](cams.Ks),
	}
	switch cov := in.Cov.(type) {
	case scene.ExplicitCovariance:
		p.covars = device.Data[float32](cov.Covars)
	case scene.QuatScale:
		p.quats = device.Data[float32](cov.Quats)
		p.scales = device.Data[float32](cov.Scales)
	default:
		return nil, scene.ErrMissingCovariance
	}

	p.lenses = make([]lens, p.nCams)
	for c := range p.lenses {
		p.lenses[c] = lensFor(p.model, intrinsicsAt(p.ks, c), p.width, p.height)
	}
	return p, nil
}

// frame captures every intermediate value of projecting gaussian g into
// camera c. The backward pass recomputes it instead of saving it.
type frame struct {
	// World space.
	meanW types.Vec3
	covW  types.Mat3
	quat  types.Quat
	rotQ  types.Mat3
	scale types.Vec3

	// View rotation; camera-space mean and covariance.
	rot   types.Mat3
	meanC types.Vec3
	covC  types.Mat3

	// Screen space.
	mean2D types.Vec2
	jac    types.Mat2x3
	conic  types.Mat2
	comp   float32
	radius int32
}

func (p *projector) worldCovariance(g int, f *frame) {
	if p.covars != nil {
		f.covW = types.SymFromUpper(p.covars[g*6 : g*6+6])
		return
	}
	f.quat = types.QuatWXYZ(p.quats[g*4 : g*4+4])
	f.rotQ = f.quat.RotMat()
	f.scale = types.Vec3{p.scales[g*3], p.scales[g*3+1], p.scales[g*3+2]}
	m := f.rotQ.Mul3(types.Diag3(f.scale))
	f.covW = m.Mul3(m.Transpose())
}

// toCamera transforms the mean of gaussian g into the space of camera c.
func (p *projector) toCamera(c, g int, f *frame) {
	view := types.Mat4FromSlice(p.viewmats[c*16 : c*16+16])
	f.rot = view.Rotation()
	f.meanW = types.Vec3{p.means[g*3], p.means[g*3+1], p.means[g*3+2]}
	f.meanC = f.rot.MulVec(f.meanW).Add(view.Translation())
}

// project evaluates the projection of gaussian g into camera c. The bool
// result is false if the pair is culled.
func (p *projector) project(c, g int) (frame, bool) {
	var f frame
	p.toCamera(c, g, &f)
	if f.meanC[2] < p.opts.NearPlane || f.meanC[2] > p.opts.FarPlane {
		return f, false
	}

	p.worldCovariance(g, &f)
	f.covC = f.rot.Sandwich(f.covW)
	f.mean2D, f.jac = p.lenses[c].project(f.meanC)

	cov2D := f.jac.Sandwich(f.covC)
	detOrig := cov2D.Det()
	blurred := cov2D.Add(types.Mat2{p.opts.Eps2D, 0, 0, p.opts.Eps2D})
	det := blurred.Det()
	if !(det > 0) {
		return f, false
	}
	f.conic = blurred.Inv()
	f.comp = math32.Sqrt(math32.Max(0, detOrig/det))

	b := 0.5 * (blurred[0] + blurred[3])
	v1 := b + math32.Sqrt(math32.Max(0.01, b*b-det))
	radius := math32.Ceil(3 * math32.Sqrt(v1))
	if radius <= p.opts.RadiusClip {
		return f, false
	}
	if f.mean2D[0]+radius <= 0 || f.mean2D[0]-radius >= float32(p.width) ||
		f.mean2D[1]+radius <= 0 || f.mean2D[1]-radius >= float32(p.height) {
		return f, false
	}
	f.radius = int32(radius)
	return f, true
}

// resultWriter holds typed views over the result buffers.
type resultWriter struct {
	radii                         []int32
	means2D, depths, conics, comps []float32
	rayTs, rayPlanes, normals     []float32
	invRayCovs, conditions        []float32
}

func allocResult(res *Result, opts Options, shape ...int) {
	dims := func(extra ...int) []int {
		return append(append([]int(nil), shape...), extra...)
	}
	res.Radii = device.Alloc[int32]("radii", dims()...)
	res.Means2D = device.Alloc[float32]("means2d", dims(2)...)
	res.Depths = device.Alloc[float32]("depths", dims()...)
	res.Conics = device.Alloc[float32]("conics", dims(3)...)
	if opts.CalcCompensations {
		res.Compensations = device.Alloc[float32]("compensations", dims()...)
	}
	if opts.Geometry {
		res.RayTs = device.Alloc[float32]("ray_ts", dims()...)
		res.RayPlanes = device.Alloc[float32]("ray_planes", dims(2)...)
		res.Normals = device.Alloc[float32]("normals", dims(3)...)
	}
	if opts.Integration {
		res.InvRayCov3Ds = device.Alloc[float32]("invraycov3ds", dims(6)...)
		res.Conditions = device.Alloc[float32]("conditions", dims()...)
	}
}

func newResultWriter(res *Result) resultWriter {
	return resultWriter{
		radii:      device.Data[int32](res.Radii),
		means2D:    device.Data[float32](res.Means2D),
		depths:     device.Data[float32](res.Depths),
		conics:     device.Data[float32](res.Conics),
		comps:      device.Data[float32](res.Compensations),
		rayTs:      device.Data[float32](res.RayTs),
		rayPlanes:  device.Data[float32](res.RayPlanes),
		normals:    device.Data[float32](res.Normals),
		invRayCovs: device.Data[float32](res.InvRayCov3Ds),
		conditions: device.Data[float32](res.Conditions),
	}
}

func (p *projector) write(w resultWriter, row, c int, f frame) {
	w.radii[row] = f.radius
	w.means2D[row*2] = f.mean2D[0]
	w.means2D[row*2+1] = f.mean2D[1]
	w.depths[row] = f.meanC[2]
	w.conics[row*3] = f.conic[0]
	w.conics[row*3+1] = f.conic[1]
	w.conics[row*3+2] = f.conic[3]
	if w.comps != nil {
		w.comps[row] = f.comp
	}
	if !p.opts.Geometry && !p.opts.Integration {
		return
	}

	a := f.covC.Inv()
	if p.opts.Geometry {
		if geo, ok := computeRayGeometry(p.model, intrinsicsAt(p.ks, c), f.meanC, a); ok {
			w.rayTs[row] = geo.t
			copy(w.rayPlanes[row*2:row*2+2], geo.plane[:])
			copy(w.normals[row*3:row*3+3], geo.normal[:])
		}
	}
	if p.opts.Integration {
		upper := a.Upper()
		copy(w.invRayCovs[row*6:row*6+6], upper[:])
		w.conditions[row] = f.meanC.Dot(a.MulVec(f.meanC))
	}
}

// Project maps the input Gaussians into every camera. Culled pairs keep a
// zero radius in dense mode and are omitted in packed mode.
func Project(ctx context.Context, dev *device.Device, in Input, opts Options) (*Result, error) {
	p, err := newProjector(in, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{Packed: opts.Packed, NCameras: p.nCams, NGaussians: p.n}
	if opts.Packed {
		err = p.projectPacked(ctx, dev, res)
	} else {
		err = p.projectDense(ctx, dev, res)
	}
	if err != nil {
		return nil, err
	}

	logger.Debugf("projected %d gaussians into %d %s cameras (%d rows, %d visible)", p.n, p.nCams, p.model, res.Rows(), res.Visible())
	return res, nil
}

func (p *projector) projectDense(ctx context.Context, dev *device.Device, res *Result) error {
	allocResult(res, p.opts, p.nCams, p.n)
	w := newResultWriter(res)

	kernel := dev.Kernel(projectDense.String(), func(g device.Group) error {
		start, end := g.Range()
		for row := start; row < end; row++ {
			c, gid := row/p.n, row%p.n
			if f, ok := p.project(c, gid); ok {
				p.write(w, row, c, f)
			}
		}
		return nil
	})
	_, err := kernel.Exec1D(ctx, 0, p.nCams*p.n, 0)
	return err
}

func (p *projector) projectPacked(ctx context.Context, dev *device.Device, res *Result) error {
	total := p.nCams * p.n
	visible := make([]bool, total)

	count := dev.Kernel(countVisible.String(), func(g device.Group) error {
		start, end := g.Range()
		for row := start; row < end; row++ {
			_, visible[row] = p.project(row/p.n, row%p.n)
		}
		return nil
	})
	if _, err := count.Exec1D(ctx, 0, total, 0); err != nil {
		return err
	}

	// Exclusive scan over the visibility flags gives the packed row of
	// every visible pair.
	packedRow := make([]int32, total)
	res.Indptr = device.Alloc[int32]("indptr", p.nCams+1)
	indptr := device.Data[int32](res.Indptr)
	var nnz int32
	for row, ok := range visible {
		if row%p.n == 0 {
			indptr[row/p.n] = nnz
		}
		packedRow[row] = nnz
		if ok {
			nnz++
		}
	}
	indptr[p.nCams] = nnz

	allocResult(res, p.opts, int(nnz))
	res.CameraIDs = device.Alloc[int32]("camera_ids", int(nnz))
	res.GaussianIDs = device.Alloc[int32]("gaussian_ids", int(nnz))
	w := newResultWriter(res)
	camIDs, gaussIDs := device.Data[int32](res.CameraIDs), device.Data[int32](res.GaussianIDs)

	fill := dev.Kernel(projectPacked.String(), func(g device.Group) error {
		start, end := g.Range()
		for row := start; row < end; row++ {
			if !visible[row] {
				continue
			}
			c, gid := row/p.n, row%p.n
			f, _ := p.project(c, gid)
			out := int(packedRow[row])
			camIDs[out], gaussIDs[out] = int32(c), int32(gid)
			p.write(w, out, c, f)
		}
		return nil
	})
	_, err := fill.Exec1D(ctx, 0, total, 0)
	return err
}
