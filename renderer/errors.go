package renderer

import "errors"

var (
	ErrNoCameras      = errors.New("renderer: no cameras defined")
	ErrNoGaussians    = errors.New("renderer: no gaussians defined")
	ErrInvalidOptions = errors.New("renderer: invalid options")
	ErrStateMismatch  = errors.New("renderer: saved state does not belong to this renderer")
)
