package scene

import (
	"math/rand/v2"

	"github.com/achilleasa/gsplat/types"
	"github.com/chewxy/math32"
)

// SyntheticOptions controls RandomGaussians.
type SyntheticOptions struct {
	// Number of Gaussians and color channels.
	Count    int
	Channels int

	// Gaussians are placed uniformly inside a cube with this half-extent.
	Extent float32

	// Scales are drawn uniformly from [MinScale, MaxScale].
	MinScale float32
	MaxScale float32

	// Opacities are drawn uniformly from [MinOpacity, MaxOpacity].
	MinOpacity float32
	MaxOpacity float32

	Seed uint64
}

// RandomGaussians generates a reproducible random Gaussian cloud.
func RandomGaussians(opts SyntheticOptions) (*Gaussians, error) {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	uniform := func(lo, hi float32) float32 {
		return lo + (hi-lo)*rng.Float32()
	}

	n, d := opts.Count, opts.Channels
	means := make([]float32, n*3)
	quats := make([]float32, n*4)
	scales := make([]float32, n*3)
	opacities := make([]float32, n)
	colors := make([]float32, n*d)

	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			means[i*3+k] = uniform(-opts.Extent, opts.Extent)
			scales[i*3+k] = uniform(opts.MinScale, opts.MaxScale)
		}

		axis := types.Vec3{uniform(-1, 1), uniform(-1, 1), uniform(-1, 1)}.Normalize()
		if axis == (types.Vec3{}) {
			axis = types.Vec3{0, 0, 1}
		}
		q := types.QuatFromAxisAngle(axis, uniform(0, 2*math32.Pi)).WXYZ()
		copy(quats[i*4:], q[:])

		opacities[i] = uniform(opts.MinOpacity, opts.MaxOpacity)
		for k := 0; k < d; k++ {
			colors[i*d+k] = rng.Float32()
		}
	}

	return NewGaussians(means, quats, scales, opacities, colors, d)
}
