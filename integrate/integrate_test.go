package integrate

import (
	"context"
	"testing"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/raster"
	"github.com/achilleasa/gsplat/scene"
	"github.com/achilleasa/gsplat/tiles"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func testDevice() *device.Device {
	return device.New("test", 4)
}

func wrap[T device.Elem](t *testing.T, name string, data []T, shape ...int) *device.Buffer {
	t.Helper()
	buf, err := device.Wrap(name, data, shape...)
	require.NoError(t, err)
	return buf
}

// testInput places a single Gaussian at depth 5 on the optical axis of a
// 16x16 pinhole camera and queries points along the center pixel ray.
func testInput(t *testing.T, condition float32, pointDepths []float32) Input {
	t.Helper()
	grid := tiles.NewGrid(16, 16, tiles.DefaultTileSize)
	dev := testDevice()

	in := Input{
		Input: raster.Input{
			Means2D:     wrap(t, "means2d", []float32{8.5, 8.5}, 1, 1, 2),
			Conics:      wrap(t, "conics", []float32{0.25, 0, 0.25}, 1, 1, 3),
			Colors:      wrap(t, "colors", []float32{1, 0.5}, 1, 1, 2),
			Opacities:   wrap(t, "opacities", []float32{0.8}, 1, 1),
			RayTs:       wrap(t, "ray_ts", []float32{5}, 1, 1),
			RayPlanes:   wrap(t, "ray_planes", []float32{0, 0}, 1, 1, 2),
			Ks:          wrap(t, "Ks", []float32{16, 0, 8.5, 0, 16, 8.5, 0, 0, 1}, 1, 3, 3),
			CameraModel: scene.Pinhole,
			Grid:        grid,
			Width:       16,
			Height:      16,
			NCameras:    1,
		},
		InvRayCov3Ds: wrap(t, "invraycov3ds", []float32{1, 0, 0, 1, 0, 1}, 1, 1, 6),
		Conditions:   wrap(t, "conditions", []float32{condition}, 1, 1),
	}
	isects, err := tiles.Intersect(context.Background(), dev, tiles.IntersectInput{
		Means2D: in.Means2D,
		Radii:   wrap(t, "radii", []int32{16}, 1, 1),
		Depths:  wrap(t, "depths", []float32{5}, 1, 1),
	}, grid, tiles.IntersectOptions{Sort: true})
	require.NoError(t, err)
	in.Offsets, err = tiles.EncodeOffsets(context.Background(), dev, isects, grid)
	require.NoError(t, err)
	in.FlattenIDs = isects.FlattenIDs

	p := len(pointDepths)
	points2D := make([]float32, 0, 2*p)
	radii := make([]int32, p)
	for i := range pointDepths {
		points2D = append(points2D, 8.5, 8.5)
		radii[i] = 1
	}
	in.Points2D = wrap(t, "points2d", points2D, 1, p, 2)
	in.PointDepths = wrap(t, "point_depths", pointDepths, 1, p)
	pointIsects, err := tiles.IntersectPoints(context.Background(), dev, tiles.IntersectInput{
		Means2D: in.Points2D,
		Radii:   wrap(t, "point_radii", radii, 1, p),
		Depths:  in.PointDepths,
	}, grid, tiles.IntersectOptions{Sort: true})
	require.NoError(t, err)
	in.PointOffsets, err = tiles.EncodeOffsets(context.Background(), dev, pointIsects, grid)
	require.NoError(t, err)
	in.PointFlattenIDs = pointIsects.FlattenIDs
	return in
}

func TestPointAlphaAlongRay(t *testing.T) {
	depths := []float32{1, 2, 3, 4, 4.5, 5, 7, 9}
	in := testInput(t, 100, depths)

	out, err := Points(context.Background(), testDevice(), in, DefaultOptions())
	require.NoError(t, err)

	alphas := device.Data[float32](out.PointAlphas)
	colors := device.Data[float32](out.PointColors)
	coords := device.Data[float32](out.PointCoordinates)
	sdf := device.Data[float32](out.PointSDF)
	imageAlpha := device.Data[float32](out.Image.Alphas)[8*16+8]
	require.InDelta(t, 0.8, imageAlpha, 1e-6)

	prev := float32(-1)
	for i, z := range depths {
		require.GreaterOrEqual(t, alphas[i], prev, "point %d", i)
		prev = alphas[i]

		expAlpha := float32(0.8)
		if z < 5 {
			expAlpha *= math32.Exp(-0.5 * (z - 5) * (z - 5))
		}
		require.InDelta(t, expAlpha, alphas[i], 1e-5, "point %d", i)
		require.InDelta(t, expAlpha, colors[i*2], 1e-5, "point %d", i)
		require.InDelta(t, 0.5*expAlpha, colors[i*2+1], 1e-5, "point %d", i)
		require.InDelta(t, 0.5-expAlpha, sdf[i], 1e-5, "point %d", i)
		require.InDeltaSlice(t, []float32{0, 0, z}, coords[i*3:i*3+3], 1e-5, "point %d", i)
	}

	// Points behind the density peak see the same alpha as the pixel.
	require.InDelta(t, imageAlpha, alphas[len(depths)-1], 1e-6)
}

func TestPointInsideGaussianIsFullyOccluded(t *testing.T) {
	in := testInput(t, 1, []float32{1, 3})
	out, err := Points(context.Background(), testDevice(), in, DefaultOptions())
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{0.8, 0.8}, device.Data[float32](out.PointAlphas), 1e-6)
}

// rayTracedInput replaces the ray geometry of testInput with the
// view-to-Gaussian form of a unit Gaussian centered at depth 5.
func rayTracedInput(t *testing.T, pointDepths []float32) Input {
	t.Helper()
	in := testInput(t, 100, pointDepths)
	in.View2Gaussians = wrap(t, "view2gaussians", []float32{1, 0, 0, 1, 0, 1, 0, 0, -5, 25}, 1, 1, 10)
	in.RayTs, in.RayPlanes, in.InvRayCov3Ds, in.Conditions = nil, nil, nil, nil
	return in
}

func TestRayTracedPointAlphaAlongRay(t *testing.T) {
	depths := []float32{1, 3, 4.5, 5, 9}
	in := rayTracedInput(t, depths)

	out, err := Points(context.Background(), testDevice(), in, DefaultOptions())
	require.NoError(t, err)

	alphas := device.Data[float32](out.PointAlphas)
	coords := device.Data[float32](out.PointCoordinates)
	for i, z := range depths {
		expAlpha := float32(0.8)
		if z < 5 {
			expAlpha *= math32.Exp(-0.5 * (z - 5) * (z - 5))
		}
		require.InDelta(t, expAlpha, alphas[i], 1e-5, "point %d", i)
		require.InDeltaSlice(t, []float32{0, 0, z}, coords[i*3:i*3+3], 1e-5, "point %d", i)
	}
}

func TestRayTracedPointMatchesPixel(t *testing.T) {
	in := rayTracedInput(t, []float32{50, 50})

	// Move the second point onto the center of pixel (3, 8); both points
	// stay in the single tile they were binned into.
	points2D := device.Data[float32](in.Points2D)
	points2D[2], points2D[3] = 3.5, 8.5

	out, err := Points(context.Background(), testDevice(), in, DefaultOptions())
	require.NoError(t, err)

	imageAlphas := device.Data[float32](out.Image.Alphas)
	alphas := device.Data[float32](out.PointAlphas)
	require.InDelta(t, imageAlphas[8*16+8], alphas[0], 1e-6)
	require.InDelta(t, imageAlphas[8*16+3], alphas[1], 1e-6)
	require.Less(t, alphas[1], alphas[0])
	require.InDeltaSlice(t, []float32{-0.3125 * 50, 0, 50}, device.Data[float32](out.PointCoordinates)[3:6], 1e-4)
}

func TestPointsValidation(t *testing.T) {
	type spec struct {
		mutate func(in *Input)
		expErr error
	}
	specs := []spec{
		{func(in *Input) { in.Packed = true }, ErrUnsupportedCombination},
		{func(in *Input) { in.CameraModel = scene.Fisheye }, ErrUnsupportedCombination},
		{func(in *Input) { in.Conditions = nil }, ErrMissingInput},
		{func(in *Input) { in.PointFlattenIDs = nil }, ErrMissingInput},
		{func(in *Input) { in.InvRayCov3Ds = device.Alloc[float32]("invraycov3ds", 1, 1, 3) }, device.ErrShapeMismatch},
		{func(in *Input) { in.Points2D = device.Alloc[float32]("points2d", 1, 5, 2) }, device.ErrShapeMismatch},
		{func(in *Input) { in.PointFlattenIDs = wrap(t, "point_flatten_ids", []int32{0, 7}) }, raster.ErrInvalidIndex},
		{func(in *Input) { in.View2Gaussians = device.Alloc[float32]("view2gaussians", 1, 1, 6) }, device.ErrShapeMismatch},
	}

	for index, s := range specs {
		in := testInput(t, 100, []float32{1, 2})
		s.mutate(&in)
		_, err := Points(context.Background(), testDevice(), in, DefaultOptions())
		require.ErrorIs(t, err, s.expErr, "[spec %d]", index)
	}
}
