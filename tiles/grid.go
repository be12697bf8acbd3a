package tiles

import (
	"fmt"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// DefaultTileSize is the edge length of a square tile in pixels.
const DefaultTileSize = 16

// depthBits is the number of low key bits holding the depth.
const depthBits = 32

// Grid describes the screen-space tile grid of an image. The grid may
// overshoot the image along its right and bottom edges.
type Grid struct {
	TileSize   int
	TileWidth  int
	TileHeight int
}

// NewGrid returns the smallest grid of tileSize tiles covering a
// width x height image.
func NewGrid(width, height, tileSize int) Grid {
	return Grid{
		TileSize:   tileSize,
		TileWidth:  ceilDiv(width, tileSize),
		TileHeight: ceilDiv(height, tileSize),
	}
}

// Tiles returns the number of tiles per camera.
func (g Grid) Tiles() int {
	return g.TileWidth * g.TileHeight
}

// Validate checks that the grid covers a width x height image.
func (g Grid) Validate(width, height int) error {
	if g.TileSize <= 0 {
		return fmt.Errorf("%w: tile size %d", ErrInvalidGrid, g.TileSize)
	}
	if g.TileHeight*g.TileSize < height || g.TileWidth*g.TileSize < width {
		return fmt.Errorf("%w: %dx%d tiles of size %d for a %dx%d image", ErrInvalidGrid, g.TileWidth, g.TileHeight, g.TileSize, width, height)
	}
	return nil
}

// TileRect returns the [minX, maxX) x [minY, maxY) tile rectangle overlapped
// by a footprint of the given pixel radius around (x, y), clipped to the grid.
func (g Grid) TileRect(x, y float32, radius int32) (minX, minY, maxX, maxY int) {
	r := float32(radius)
	ts := float32(g.TileSize)
	minX = clamp(floorInt((x-r)/ts), 0, g.TileWidth)
	minY = clamp(floorInt((y-r)/ts), 0, g.TileHeight)
	maxX = clamp(ceilInt((x+r)/ts), 0, g.TileWidth)
	maxY = clamp(ceilInt((y+r)/ts), 0, g.TileHeight)
	return minX, minY, maxX, maxY
}

// TileAt returns the tile containing pixel (x, y) and false if the pixel
// lies outside the grid.
func (g Grid) TileAt(x, y float32) (int, bool) {
	if !(x >= 0 && y >= 0) {
		return 0, false
	}
	tx, ty := int(x)/g.TileSize, int(y)/g.TileSize
	if tx >= g.TileWidth || ty >= g.TileHeight {
		return 0, false
	}
	return ty*g.TileWidth + tx, true
}

// KeyLayout describes the bit layout of an intersection key:
// camera id | tile id | depth bits, with the depth in the low 32 bits.
type KeyLayout struct {
	TileBits   int
	CameraBits int
}

// NewKeyLayout sizes the camera and tile fields for nCameras cameras on
// grid. An error is returned if the fields do not fit in 64 bits.
func NewKeyLayout(nCameras int, grid Grid) (KeyLayout, error) {
	l := KeyLayout{
		TileBits:   bits.Len(uint(grid.Tiles())),
		CameraBits: bits.Len(uint(nCameras)),
	}
	if l.Bits() > 64 {
		return l, fmt.Errorf("%w: %d camera bits and %d tile bits", ErrKeyOverflow, l.CameraBits, l.TileBits)
	}
	return l, nil
}

// Bits returns the number of key bits in use.
func (l KeyLayout) Bits() int {
	return l.CameraBits + l.TileBits + depthBits
}

// Key packs an intersection key. Negative depths are clamped to zero so the
// IEEE-754 bits order like the depths themselves.
func (l KeyLayout) Key(camera, tile int, depth float32) uint64 {
	return uint64(camera)<<(depthBits+l.TileBits) | uint64(tile)<<depthBits | uint64(depthKeyBits(depth))
}

// Split unpacks the camera and tile id of a key.
func (l KeyLayout) Split(key uint64) (camera, tile int) {
	tileMask := uint64(1)<<l.TileBits - 1
	return int(key >> (depthBits + l.TileBits)), int(key >> depthBits & tileMask)
}

// Flat returns the flattened (camera, tile) index of a key, which indexes the
// [C, TileHeight, TileWidth] offsets table.
func (l KeyLayout) Flat(key uint64, grid Grid) int {
	c, t := l.Split(key)
	return c*grid.Tiles() + t
}

func ceilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

func clamp[T constraints.Integer](v, lo, hi T) T {
	return max(lo, min(hi, v))
}
