package scene

import (
	"fmt"

	"github.com/achilleasa/gsplat/device"
)

// CovarianceSpec describes how the world-space covariance of each Gaussian
// is supplied. It is implemented by ExplicitCovariance and QuatScale.
type CovarianceSpec interface {
	// Validate checks the buffer shapes against the Gaussian count.
	Validate(n int) error

	covarianceSpec()
}

// ExplicitCovariance supplies the upper triangle (xx, xy, xz, yy, yz, zz)
// of each covariance as an [N,6] buffer.
type ExplicitCovariance struct {
	Covars *device.Buffer
}

func (ExplicitCovariance) covarianceSpec() {}

func (c ExplicitCovariance) Validate(n int) error {
	if c.Covars == nil {
		return ErrMissingCovariance
	}
	return c.Covars.CheckShape(n, 6)
}

// QuatScale supplies each covariance as R(q) S S^T R(q)^T from an [N,4]
// (w, x, y, z) rotation buffer and an [N,3] scale buffer. Quaternions do not
// need to be normalized.
type QuatScale struct {
	Quats  *device.Buffer
	Scales *device.Buffer
}

func (QuatScale) covarianceSpec() {}

func (c QuatScale) Validate(n int) error {
	if c.Quats == nil || c.Scales == nil {
		return ErrMissingCovariance
	}
	if err := c.Quats.CheckShape(n, 4); err != nil {
		return err
	}
	return c.Scales.CheckShape(n, 3)
}

// Gaussians is a set of N anisotropic 3D Gaussians with D color channels.
type Gaussians struct {
	Means     *device.Buffer // [N,3]
	Cov       CovarianceSpec
	Opacities *device.Buffer // [N]
	Colors    *device.Buffer // [N,D]
}

// NewGaussians wraps host slices as a Gaussian set parameterized by
// quaternions and scales.
func NewGaussians(means, quats, scales, opacities, colors []float32, channels int) (*Gaussians, error) {
	n := len(means) / 3
	g := &Gaussians{}

	var err error
	if g.Means, err = device.Wrap("means", means, n, 3); err != nil {
		return nil, err
	}
	qs := QuatScale{}
	if qs.Quats, err = device.Wrap("quats", quats, n, 4); err != nil {
		return nil, err
	}
	if qs.Scales, err = device.Wrap("scales", scales, n, 3); err != nil {
		return nil, err
	}
	g.Cov = qs
	if g.Opacities, err = device.Wrap("opacities", opacities, n); err != nil {
		return nil, err
	}
	if g.Colors, err = device.Wrap("colors", colors, n, channels); err != nil {
		return nil, err
	}
	return g, nil
}

// Len returns the number of Gaussians.
func (g *Gaussians) Len() int {
	if g.Means == nil {
		return 0
	}
	return g.Means.Dim(0)
}

// Channels returns the number of color channels.
func (g *Gaussians) Channels() int {
	return g.Colors.Dim(1)
}

// Validate checks that all buffers agree on the Gaussian count.
func (g *Gaussians) Validate() error {
	if g.Means == nil {
		return fmt.Errorf("%w: missing means", device.ErrShapeMismatch)
	}
	n := g.Len()
	if err := g.Means.CheckShape(n, 3); err != nil {
		return err
	}
	if g.Cov == nil {
		return ErrMissingCovariance
	}
	if err := g.Cov.Validate(n); err != nil {
		return err
	}
	if err := g.Opacities.CheckShape(n); err != nil {
		return err
	}
	return g.Colors.CheckShape(n, -1)
}
