package projection

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 32
	testHeight = 32
)

func testCameras(t *testing.T, model scene.CameraModel, positions ...types.Vec3) *scene.Cameras {
	t.Helper()
	if len(positions) == 0 {
		positions = []types.Vec3{{0.4, -0.3, -4}}
	}
	cams := make([]*scene.Camera, len(positions))
	for i, pos := range positions {
		cam := scene.NewCamera(math32.Pi / 3)
		cam.Position = pos
		cam.LookAt = types.Vec3{}
		cam.Update()
		cams[i] = cam
	}
	out, err := scene.NewCameras(testWidth, testHeight, model, cams...)
	require.NoError(t, err)
	return out
}

func testGaussians(t *testing.T, n int, seed uint64) (*device.Buffer, scene.QuatScale) {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 7))
	uniform := func(lo, hi float32) float32 { return lo + (hi-lo)*rng.Float32() }

	means := make([]float32, 0, n*3)
	quats := make([]float32, 0, n*4)
	scales := make([]float32, 0, n*3)
	for i := 0; i < n; i++ {
		means = append(means, uniform(-0.4, 0.4), uniform(-0.4, 0.4), uniform(-0.4, 0.4))
		quats = append(quats, uniform(0.5, 1), uniform(-0.5, 0.5), uniform(-0.5, 0.5), uniform(-0.5, 0.5))
		scales = append(scales, uniform(0.1, 0.3), uniform(0.1, 0.3), uniform(0.1, 0.3))
	}

	meansBuf, err := device.Wrap("means", means, n, 3)
	require.NoError(t, err)
	qs := scene.QuatScale{}
	qs.Quats, err = device.Wrap("quats", quats, n, 4)
	require.NoError(t, err)
	qs.Scales, err = device.Wrap("scales", scales, n, 3)
	require.NoError(t, err)
	return meansBuf, qs
}

func testDevice() *device.Device {
	return device.New("test", 4)
}

func TestProjectCullsAgainstDepthRange(t *testing.T) {
	means, err := device.Wrap("means", []float32{
		0, 0, 1, // in front
		0, 0, -1, // behind
		0, 0, 0.005, // before the near plane
		0, 0, 200, // beyond the far plane
	}, 4, 3)
	require.NoError(t, err)
	covars, err := device.Wrap("covars", []float32{
		0.01, 0, 0, 0.01, 0, 0.01,
		0.01, 0, 0, 0.01, 0, 0.01,
		0.01, 0, 0, 0.01, 0, 0.01,
		0.01, 0, 0, 0.01, 0, 0.01,
	}, 4, 6)
	require.NoError(t, err)

	cams, err := scene.NewCameras(testWidth, testHeight, scene.Pinhole, scene.NewCamera(math32.Pi/2))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.FarPlane = 100
	res, err := Project(context.Background(), testDevice(), Input{Means: means, Cov: scene.ExplicitCovariance{Covars: covars}, Cameras: cams}, opts)
	require.NoError(t, err)

	radii := device.Data[int32](res.Radii)
	expRadii := []bool{true, false, false, false}
	for i, exp := range expRadii {
		if got := radii[i] > 0; got != exp {
			t.Fatalf("[gaussian %d] expected visible to be %t; got radius %d", i, exp, radii[i])
		}
	}

	// A centered isotropic gaussian projects onto the principal point.
	m2d := device.Data[float32](res.Means2D)
	require.InDelta(t, 16, m2d[0], 1e-4)
	require.InDelta(t, 16, m2d[1], 1e-4)
	require.InDelta(t, 1, device.Data[float32](res.Depths)[0], 1e-6)

	// conic is the inverse of f^2 * 0.01 / z^2 + eps2d on the diagonal.
	f := float32(16)
	expConic := 1 / (f*f*0.01 + DefaultEps2D)
	conics := device.Data[float32](res.Conics)
	require.InDelta(t, expConic, conics[0], 1e-5)
	require.InDelta(t, 0, conics[1], 1e-6)
	require.InDelta(t, expConic, conics[2], 1e-5)
}

func TestProjectRadiusAndCompensation(t *testing.T) {
	means, err := device.Wrap("means", []float32{0, 0, 2}, 1, 3)
	require.NoError(t, err)
	covars, err := device.Wrap("covars", []float32{0.04, 0, 0, 0.04, 0, 0.04}, 1, 6)
	require.NoError(t, err)
	cams, err := scene.NewCameras(testWidth, testHeight, scene.Pinhole, scene.NewCamera(math32.Pi/2))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.CalcCompensations = true
	res, err := Project(context.Background(), testDevice(), Input{Means: means, Cov: scene.ExplicitCovariance{Covars: covars}, Cameras: cams}, opts)
	require.NoError(t, err)

	// sigma^2 = 16^2 * 0.04 / 4 = 2.56 px^2
	v := float32(2.56)
	blurred := v + DefaultEps2D
	expRadius := math32.Ceil(3 * math32.Sqrt(blurred+math32.Sqrt(0.01)))
	require.Equal(t, int32(expRadius), device.Data[int32](res.Radii)[0])
	require.InDelta(t, v/blurred, device.Data[float32](res.Compensations)[0], 1e-5)

	// Raising the clip radius above the footprint culls the gaussian.
	opts.RadiusClip = expRadius
	res, err = Project(context.Background(), testDevice(), Input{Means: means, Cov: scene.ExplicitCovariance{Covars: covars}, Cameras: cams}, opts)
	require.NoError(t, err)
	require.Equal(t, int32(0), device.Data[int32](res.Radii)[0])
}

func TestProjectValidation(t *testing.T) {
	means, qs := testGaussians(t, 2, 1)
	cams := testCameras(t, scene.Pinhole)
	dev := testDevice()

	type spec struct {
		in     Input
		opts   func(*Options)
		expErr error
	}
	specs := []spec{
		{Input{Means: means, Cameras: cams}, nil, scene.ErrMissingCovariance},
		{Input{Means: means, Cov: scene.QuatScale{Quats: qs.Quats}, Cameras: cams}, nil, scene.ErrMissingCovariance},
		{Input{Means: means, Cov: qs}, nil, scene.ErrNoCameras},
		{Input{Means: qs.Quats, Cov: qs, Cameras: cams}, nil, device.ErrShapeMismatch},
		{Input{Means: means, Cov: qs, Cameras: testCameras(t, scene.Fisheye)}, func(o *Options) { o.Geometry = true }, ErrUnsupportedCombination},
		{Input{Means: means, Cov: qs, Cameras: cams}, func(o *Options) { o.NearPlane = 10; o.FarPlane = 1 }, ErrInvalidOptions},
	}

	for index, s := range specs {
		opts := DefaultOptions()
		if s.opts != nil {
			s.opts(&opts)
		}
		_, err := Project(context.Background(), dev, s.in, opts)
		require.ErrorIs(t, err, s.expErr, "spec %d", index)
	}
}

func TestPackedMatchesDense(t *testing.T) {
	means, qs := testGaussians(t, 24, 3)
	// Move a few gaussians out of view.
	m := device.Data[float32](means)
	m[0], m[4*3+2], m[9*3+1] = 40, -20, 60

	for _, model := range []scene.CameraModel{scene.Pinhole, scene.Ortho, scene.Fisheye} {
		cams := testCameras(t, model, types.Vec3{0.4, -0.3, -4}, types.Vec3{3, 0.5, 1}, types.Vec3{-1, 2, 3})
		in := Input{Means: means, Cov: qs, Cameras: cams}

		opts := DefaultOptions()
		opts.CalcCompensations = true
		opts.Geometry = model != scene.Fisheye
		opts.Integration = model != scene.Fisheye
		dense, err := Project(context.Background(), testDevice(), in, opts)
		require.NoError(t, err)

		opts.Packed = true
		packed, err := Project(context.Background(), testDevice(), in, opts)
		require.NoError(t, err)

		require.Equal(t, dense.Visible(), packed.Rows(), "%s", model)
		require.Equal(t, packed.Rows(), packed.Visible(), "%s", model)

		indptr := device.Data[int32](packed.Indptr)
		require.Equal(t, int32(packed.Rows()), indptr[len(indptr)-1])

		denseRadii := device.Data[int32](dense.Radii)
		for row := 0; row < packed.Rows(); row++ {
			c, g := packed.RowIDs(row)
			require.True(t, int(indptr[c]) <= row && row < int(indptr[c+1]))
			dr := c*dense.NGaussians + g
			require.Equal(t, denseRadii[dr], device.Data[int32](packed.Radii)[row])

			for _, pair := range [][2]*device.Buffer{
				{dense.Means2D, packed.Means2D},
				{dense.Depths, packed.Depths},
				{dense.Conics, packed.Conics},
				{dense.Compensations, packed.Compensations},
				{dense.RayTs, packed.RayTs},
				{dense.RayPlanes, packed.RayPlanes},
				{dense.Normals, packed.Normals},
				{dense.InvRayCov3Ds, packed.InvRayCov3Ds},
				{dense.Conditions, packed.Conditions},
			} {
				if pair[0] == nil {
					continue
				}
				width := pair[0].Len() / dense.Rows()
				dv, pv := device.Data[float32](pair[0]), device.Data[float32](pair[1])
				require.Equal(t, dv[dr*width:(dr+1)*width], pv[row*width:(row+1)*width], "%s %s row %d", model, pair[0].Name(), row)
			}
		}
	}
}

func TestLensVJPs(t *testing.T) {
	k := intrinsics{fx: 30, fy: 28, cx: 16, cy: 15}
	type spec struct {
		model scene.CameraModel
		p     types.Vec3
	}
	specs := []spec{
		{scene.Pinhole, types.Vec3{0.3, -0.2, 2}},
		{scene.Pinhole, types.Vec3{3, -0.2, 1}}, // clamped x
		{scene.Ortho, types.Vec3{0.3, -0.2, 2}},
		{scene.Fisheye, types.Vec3{0.3, -0.2, 2}},
		{scene.Fisheye, types.Vec3{1.5, 0.7, 0.5}},
	}

	rng := rand.New(rand.NewPCG(11, 13))
	for index, s := range specs {
		l := lensFor(s.model, k, 32, 30)
		var vMean types.Vec2
		var vJ types.Mat2x3
		for i := range vMean {
			vMean[i] = float32(rng.NormFloat64())
		}
		for i := range vJ {
			vJ[i] = float32(rng.NormFloat64())
		}
		loss := func(p types.Vec3) float64 {
			m, j := l.project(p)
			var out float64
			for i := range m {
				out += float64(vMean[i]) * float64(m[i])
			}
			for i := range j {
				out += float64(vJ[i]) * float64(j[i])
			}
			return out
		}

		got := l.projectVJP(s.p, vMean, vJ)
		const eps = 1e-3
		for axis := 0; axis < 3; axis++ {
			plus, minus := s.p, s.p
			plus[axis] += eps
			minus[axis] -= eps
			numeric := (loss(plus) - loss(minus)) / (2 * eps)
			assertGradClose(t, numeric, float64(got[axis]), "[spec %d] %s axis %d", index, s.model, axis)
		}
	}
}

// assertGradClose compares an analytic gradient against its central
// difference estimate.
func assertGradClose(t *testing.T, numeric, analytic float64, msgAndArgs ...any) {
	t.Helper()
	tol := 5e-2*math.Max(math.Abs(numeric), math.Abs(analytic)) + 1e-2
	require.InDelta(t, numeric, analytic, tol, msgAndArgs...)
}
