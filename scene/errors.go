package scene

import "errors"

var (
	ErrUnknownCameraModel = errors.New("scene: unknown camera model")
	ErrMissingCovariance  = errors.New("scene: either covars or quats and scales must be provided")
	ErrNoCameras          = errors.New("scene: no cameras defined")
)
