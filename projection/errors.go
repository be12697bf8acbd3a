package projection

import "errors"

var (
	ErrUnsupportedCombination = errors.New("projection: unsupported option combination")
	ErrInvalidOptions         = errors.New("projection: invalid options")
	ErrMissingGradients       = errors.New("projection: projection result does not carry the requested outputs")
)
