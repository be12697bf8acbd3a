package integrate

import "errors"

var (
	ErrMissingInput           = errors.New("integrate: missing required input")
	ErrUnsupportedCombination = errors.New("integrate: unsupported option combination")
)
