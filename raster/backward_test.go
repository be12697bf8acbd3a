package raster

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/scene"
	"github.com/stretchr/testify/require"
)

const fdEpsilon = 1e-3

func assertGradClose(t *testing.T, numeric, analytic float64, msgAndArgs ...any) {
	t.Helper()
	tol := 2e-2*math.Max(math.Abs(numeric), math.Abs(analytic)) + 5e-3
	require.InDelta(t, numeric, analytic, tol, msgAndArgs...)
}

// imageWeights holds one random weight per output value; the loss is the
// weighted sum of the outputs.
type imageWeights struct {
	colors, alphas, depths, medians, normals *device.Buffer
}

func randomLike(t *testing.T, rng *rand.Rand, like *device.Buffer) *device.Buffer {
	t.Helper()
	if like == nil {
		return nil
	}
	data := make([]float32, like.Len())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	buf, err := device.Wrap("v_"+like.Name(), data, like.Shape()...)
	require.NoError(t, err)
	return buf
}

func newImageWeights(t *testing.T, rng *rand.Rand, out *Output, medians bool) imageWeights {
	w := imageWeights{
		colors:  randomLike(t, rng, out.Colors),
		alphas:  randomLike(t, rng, out.Alphas),
		depths:  randomLike(t, rng, out.ExpectedDepths),
		normals: randomLike(t, rng, out.ExpectedNormals),
	}
	if medians {
		w.medians = randomLike(t, rng, out.MedianDepths)
	}
	return w
}

func (w imageWeights) loss(out *Output) float64 {
	var total float64
	for _, pair := range [][2]*device.Buffer{
		{w.colors, out.Colors},
		{w.alphas, out.Alphas},
		{w.depths, out.ExpectedDepths},
		{w.medians, out.MedianDepths},
		{w.normals, out.ExpectedNormals},
	} {
		if pair[0] == nil {
			continue
		}
		ws := device.Data[float32](pair[0])
		for i, v := range device.Data[float32](pair[1]) {
			total += float64(ws[i]) * float64(v)
		}
	}
	return total
}

func (w imageWeights) grads() OutputGrads {
	return OutputGrads{
		Colors:          w.colors,
		Alphas:          w.alphas,
		ExpectedDepths:  w.depths,
		MedianDepths:    w.medians,
		ExpectedNormals: w.normals,
	}
}

func checkGradient(t *testing.T, name string, param, analytic *device.Buffer, loss func() float64) {
	t.Helper()
	data := device.Data[float32](param)
	grad := device.Data[float32](analytic)
	require.Len(t, grad, len(data), name)
	for i := range data {
		orig := data[i]
		data[i] = orig + fdEpsilon
		plus := loss()
		data[i] = orig - fdEpsilon
		minus := loss()
		data[i] = orig

		numeric := (plus - minus) / (2 * fdEpsilon)
		assertGradClose(t, numeric, float64(grad[i]), "%s[%d]", name, i)
	}
}

// smoothPrims returns broad primitives on an 8x8 image whose alphas stay
// well clear of the alpha and transmittance thresholds at every pixel.
func smoothPrims(rng *rand.Rand, n, d int) []testPrim {
	uniform := func(lo, hi float32) float32 { return lo + (hi-lo)*rng.Float32() }
	prims := make([]testPrim, n)
	for i := range prims {
		color := make([]float32, d)
		for k := range color {
			color[k] = rng.Float32()
		}
		prims[i] = testPrim{
			x:       uniform(2, 6),
			y:       uniform(2, 6),
			conic:   [3]float32{uniform(0.03, 0.05), uniform(-0.01, 0.01), uniform(0.03, 0.05)},
			opacity: uniform(0.3, 0.7),
			depth:   float32(i + 1),
			color:   color,
		}
	}
	return prims
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	type spec struct {
		geometry bool
		medians  bool
		bg       bool
		check    []string
	}
	specs := []spec{
		{bg: true, check: []string{"means2d", "conics", "colors", "opacities", "backgrounds"}},
		{geometry: true, check: []string{"means2d", "conics", "opacities", "ray_ts", "ray_planes", "normals"}},
		// The median primitive changes with the alphas, so median depth
		// gradients are only checked against the ray geometry.
		{geometry: true, medians: true, bg: true, check: []string{"ray_ts", "ray_planes", "normals", "backgrounds"}},
	}

	dev := testDevice()
	for index, s := range specs {
		rng := rand.New(rand.NewPCG(uint64(index), 11))
		in := testInput(t, 8, 8, smoothPrims(rng, 4, 3))
		opts := DefaultOptions()
		opts.Geometry = s.geometry

		if s.bg {
			in.Backgrounds = randomLike(t, rng, device.Alloc[float32]("backgrounds", 1, 3))
		}
		if s.geometry {
			in.RayTs = randomLike(t, rng, device.Alloc[float32]("ray_ts", 1, 4))
			in.RayPlanes = randomLike(t, rng, device.Alloc[float32]("ray_planes", 1, 4, 2))
			in.Normals = randomLike(t, rng, device.Alloc[float32]("normals", 1, 4, 3))
			var err error
			in.Ks, err = device.Wrap("Ks", []float32{8, 0, 4, 0, 8, 4, 0, 0, 1}, 1, 3, 3)
			require.NoError(t, err)
			in.CameraModel = scene.Pinhole
		}

		out, st, err := Forward(context.Background(), dev, in, opts)
		require.NoError(t, err)
		weights := newImageWeights(t, rng, out, s.medians)
		grads, err := Backward(context.Background(), dev, st, weights.grads())
		require.NoError(t, err)

		loss := func() float64 {
			out, _, err := Forward(context.Background(), dev, in, opts)
			require.NoError(t, err)
			return weights.loss(out)
		}
		params := map[string][2]*device.Buffer{
			"means2d":     {in.Means2D, grads.Means2D},
			"conics":      {in.Conics, grads.Conics},
			"colors":      {in.Colors, grads.Colors},
			"opacities":   {in.Opacities, grads.Opacities},
			"backgrounds": {in.Backgrounds, grads.Backgrounds},
			"ray_ts":      {in.RayTs, grads.RayTs},
			"ray_planes":  {in.RayPlanes, grads.RayPlanes},
			"normals":     {in.Normals, grads.Normals},
		}
		for _, name := range s.check {
			p := params[name]
			checkGradient(t, name, p[0], p[1], loss)
		}
	}
}

func TestBackwardAbsGrad(t *testing.T) {
	dev := testDevice()
	rng := rand.New(rand.NewPCG(21, 22))
	in := testInput(t, 8, 8, smoothPrims(rng, 3, 1))
	opts := DefaultOptions()
	opts.AbsGrad = true

	out, st, err := Forward(context.Background(), dev, in, opts)
	require.NoError(t, err)
	grads, err := Backward(context.Background(), dev, st, OutputGrads{Colors: randomLike(t, rng, out.Colors)})
	require.NoError(t, err)
	require.NotNil(t, grads.AbsMeans2D)

	abs := device.Data[float32](grads.AbsMeans2D)
	for i, v := range device.Data[float32](grads.Means2D) {
		require.GreaterOrEqual(t, abs[i], float32(math.Abs(float64(v)))-1e-6, "means2d[%d]", i)
	}
}

func TestBackwardRejectsMismatchedGrads(t *testing.T) {
	dev := testDevice()
	in := testInput(t, 8, 8, smoothPrims(rand.New(rand.NewPCG(1, 1)), 2, 3))
	out, st, err := Forward(context.Background(), dev, in, DefaultOptions())
	require.NoError(t, err)

	_, err = Backward(context.Background(), dev, st, OutputGrads{})
	require.ErrorIs(t, err, ErrMissingInput)

	_, err = Backward(context.Background(), dev, st, OutputGrads{Colors: device.Alloc[float32]("v_colors", 1, 8, 8, 4)})
	require.ErrorIs(t, err, device.ErrShapeMismatch)

	_, err = Backward(context.Background(), dev, st, OutputGrads{Colors: out.Colors, ExpectedDepths: out.Alphas})
	require.ErrorIs(t, err, ErrUnsupportedCombination)

	_, err = RayTraceBackward(context.Background(), dev, st, OutputGrads{Colors: out.Colors})
	require.ErrorIs(t, err, ErrStateMismatch)
}
