package tiles

import "errors"

var (
	ErrKeyOverflow = errors.New("tiles: camera and tile ids do not fit in a 64-bit intersection key")
	ErrInvalidGrid = errors.New("tiles: tile grid does not cover the image")
	ErrMissingIDs  = errors.New("tiles: packed inputs require camera ids and a camera count")
	ErrInvalidIDs  = errors.New("tiles: camera id out of range")
	ErrUnsorted    = errors.New("tiles: intersections must be sorted before encoding offsets")
)
