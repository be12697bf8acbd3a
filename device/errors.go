package device

import "errors"

var (
	ErrShapeMismatch = errors.New("cpu device: buffer shape mismatch")
	ErrDTypeMismatch = errors.New("cpu device: buffer element type mismatch")
	ErrInvalidLaunch = errors.New("cpu device: invalid launch geometry")
)
