package projection

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/scene"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func TestViewToGaussiansQuadraticForm(t *testing.T) {
	means, qs := testGaussians(t, 3, 21)
	in := Input{Means: means, Cov: qs, Cameras: testCameras(t, scene.Pinhole)}
	dev := testDevice()

	opts := DefaultOptions()
	opts.Integration = true
	res, err := Project(context.Background(), dev, in, opts)
	require.NoError(t, err)

	v2g, err := ViewToGaussians(context.Background(), dev, in, opts, res)
	require.NoError(t, err)
	require.NoError(t, v2g.CheckShape(res.Rows(), ViewGaussianParams))

	// The quadratic form carries the same inverse covariance and camera
	// center Mahalanobis distance as the integration outputs.
	forms := device.Data[float32](v2g)
	invCovs := device.Data[float32](res.InvRayCov3Ds)
	conds := device.Data[float32](res.Conditions)
	for row := 0; row < res.Rows(); row++ {
		form := forms[row*ViewGaussianParams : (row+1)*ViewGaussianParams]
		for i := 0; i < 6; i++ {
			exp := invCovs[row*6+i]
			require.InDelta(t, exp, form[i], float64(1e-3*(1+math32.Abs(exp))), "row %d entry %d", row, i)
		}
		require.InDelta(t, conds[row], form[9], float64(1e-3*(1+conds[row])), "row %d", row)
	}
}

func TestViewToGaussiansRequiresQuatScale(t *testing.T) {
	means, qs := testGaussians(t, 2, 4)
	in := Input{Means: means, Cov: explicitFromQuatScale(t, qs), Cameras: testCameras(t, scene.Pinhole)}
	res, err := Project(context.Background(), testDevice(), in, DefaultOptions())
	require.NoError(t, err)

	_, err = ViewToGaussians(context.Background(), testDevice(), in, DefaultOptions(), res)
	require.ErrorIs(t, err, ErrUnsupportedCombination)
}

func TestViewToGaussiansBackwardMatchesFiniteDifferences(t *testing.T) {
	means, qs := testGaussians(t, 3, 17)
	// Larger scales keep the constant term small enough for float32
	// central differences.
	for i, s := range device.Data[float32](qs.Scales) {
		device.Data[float32](qs.Scales)[i] = s + 0.4
	}
	cams := testCameras(t, scene.Pinhole)
	in := Input{Means: means, Cov: qs, Cameras: cams}
	dev := testDevice()

	opts := DefaultOptions()
	opts.ViewmatGrads = true
	res, err := Project(context.Background(), dev, in, opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 4))
	weights := make([]float32, res.Rows()*ViewGaussianParams)
	for i := range weights {
		weights[i] = float32(rng.NormFloat64())
	}
	vForms, err := device.Wrap("v_view2gaussians", weights, res.Rows(), ViewGaussianParams)
	require.NoError(t, err)

	grads, err := ViewToGaussiansBackward(context.Background(), dev, in, opts, res, vForms, DenseGrads)
	require.NoError(t, err)

	loss := func() float64 {
		forms, err := ViewToGaussians(context.Background(), dev, in, opts, res)
		require.NoError(t, err)
		var out float64
		for i, v := range device.Data[float32](forms) {
			out += float64(weights[i]) * float64(v)
		}
		return out
	}

	checkGradient(t, "means", means, grads.Means.Dense, loss)
	checkGradient(t, "quats", qs.Quats, grads.Quats.Dense, loss)
	checkGradient(t, "scales", qs.Scales, grads.Scales.Dense, loss)
	checkGradient(t, "viewmats", cams.Viewmats, grads.Viewmats, loss)
}

func TestSmoothingFilter3D(t *testing.T) {
	points, err := device.Wrap("means", []float32{
		0, 0, 2,
		0, 0, 4,
		0, 0, -2, // behind the camera
		100, 0, 2, // far outside the frustum
	}, 4, 3)
	require.NoError(t, err)
	cams, err := scene.NewCameras(32, 32, scene.Pinhole, scene.NewCamera(math32.Pi/2))
	require.NoError(t, err)

	out, err := SmoothingFilter3D(context.Background(), testDevice(), points, cams, DefaultNearPlane)
	require.NoError(t, err)

	s := math32.Sqrt(0.2)
	exp := []float32{2.0 / 16 * s, 4.0 / 16 * s, 4.0 / 16 * s, 4.0 / 16 * s}
	require.InDeltaSlice(t, exp, device.Data[float32](out), 1e-6)
}

func TestProjectPoints(t *testing.T) {
	points, err := device.Wrap("points", []float32{
		0, 0, 2,
		0.5, -0.25, 1,
		0, 0, -1,
		10, 0, 1,
	}, 4, 3)
	require.NoError(t, err)
	cams, err := scene.NewCameras(32, 32, scene.Pinhole, scene.NewCamera(math32.Pi/2))
	require.NoError(t, err)

	res, err := ProjectPoints(context.Background(), testDevice(), points, cams, DefaultOptions())
	require.NoError(t, err)

	type spec struct {
		radius int32
		uv     [2]float32
		depth  float32
	}
	specs := []spec{
		{1, [2]float32{16, 16}, 2},
		{1, [2]float32{8, 20}, 1}, // x and y flip between world and image space
		{0, [2]float32{}, 0},
		{0, [2]float32{}, 0},
	}

	radii := device.Data[int32](res.Radii)
	uv := device.Data[float32](res.Means2D)
	depths := device.Data[float32](res.Depths)
	for index, s := range specs {
		if radii[index] != s.radius {
			t.Fatalf("[spec %d] expected radius %d; got %d", index, s.radius, radii[index])
		}
		require.InDelta(t, s.uv[0], uv[index*2], 1e-4, "spec %d", index)
		require.InDelta(t, s.uv[1], uv[index*2+1], 1e-4, "spec %d", index)
		require.InDelta(t, s.depth, depths[index], 1e-6, "spec %d", index)
	}
}
