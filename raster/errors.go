package raster

import "errors"

var (
	ErrUnsupportedChannels    = errors.New("raster: unsupported channel count")
	ErrUnsupportedCombination = errors.New("raster: unsupported option combination")
	ErrMissingInput           = errors.New("raster: missing required input")
	ErrInvalidOptions         = errors.New("raster: invalid options")
	ErrInvalidIndex           = errors.New("raster: intersection index out of range")
	ErrStateMismatch          = errors.New("raster: saved state does not match the requested backward pass")
)
