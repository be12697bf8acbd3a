package projection

import (
	"fmt"

	"github.com/achilleasa/gsplat/scene"
)

// Default projection parameters.
const (
	DefaultEps2D      = 0.3
	DefaultNearPlane  = 0.01
	DefaultFarPlane   = 1e10
	DefaultRadiusClip = 0.0
)

type Options struct {
	// Added to the diagonal of every 2D covariance.
	Eps2D float32

	// Gaussians with a camera-space depth outside [NearPlane, FarPlane] are culled.
	NearPlane float32
	FarPlane  float32

	// Gaussians whose pixel radius does not exceed this value are culled.
	RadiusClip float32

	// Emit COO rows for visible (camera, gaussian) pairs instead of dense [C,N] outputs.
	Packed bool

	// Compute the opacity compensation sqrt(det(cov2d) / det(cov2d + eps2d I)).
	CalcCompensations bool

	// Compute per-Gaussian ray distance, ray-plane slope and normal.
	Geometry bool

	// Compute the inverse camera-space covariance and the camera-center
	// Mahalanobis distance used by point integration.
	Integration bool

	// Compute gradients for the view matrices during the backward pass.
	ViewmatGrads bool
}

// DefaultOptions returns the projection defaults.
func DefaultOptions() Options {
	return Options{
		Eps2D:      DefaultEps2D,
		NearPlane:  DefaultNearPlane,
		FarPlane:   DefaultFarPlane,
		RadiusClip: DefaultRadiusClip,
	}
}

// Validate checks the options against the camera model.
func (o Options) Validate(model scene.CameraModel) error {
	if o.NearPlane >= o.FarPlane {
		return fmt.Errorf("%w: near plane %f must be less than far plane %f", ErrInvalidOptions, o.NearPlane, o.FarPlane)
	}
	if o.Eps2D < 0 {
		return fmt.Errorf("%w: negative eps2d %f", ErrInvalidOptions, o.Eps2D)
	}
	if (o.Geometry || o.Integration) && model == scene.Fisheye {
		return fmt.Errorf("%w: ray geometry outputs require a pinhole or ortho camera", ErrUnsupportedCombination)
	}
	return nil
}
