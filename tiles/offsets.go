package tiles

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
)

// EncodeOffsets builds the [C, TileHeight, TileWidth] table of lower bounds
// into the sorted intersection keys. The intersections of tile t span
// [offsets[t], offsets[t+1]) with the last tile ending at the key count.
//
// Every key that starts a new (camera, tile) run fills the offsets of all
// tiles between the previous run and its own, so empty tiles receive the
// start of the next non-empty one.
func EncodeOffsets(ctx context.Context, dev *device.Device, isects *Intersections, grid Grid) (*device.Buffer, error) {
	if !isects.Sorted && isects.Len() > 1 {
		return nil, fmt.Errorf("%w: %d keys", ErrUnsorted, isects.Len())
	}
	tilesTotal := isects.NCameras * grid.Tiles()
	out := device.Alloc[int32]("isect_offsets", isects.NCameras, grid.TileHeight, grid.TileWidth)
	offsets := device.Data[int32](out)
	keys := device.Data[uint64](isects.IsectIDs)
	n := len(keys)
	if n == 0 {
		return out, nil
	}
	layout := isects.Layout

	kernel := dev.Kernel(encodeOffsets.String(), func(g device.Group) error {
		start, end := g.Range()
		for i := start; i < end; i++ {
			cur := layout.Flat(keys[i], grid)
			if i == 0 {
				fill(offsets, 0, cur+1, 0)
			} else if prev := layout.Flat(keys[i-1], grid); prev != cur {
				fill(offsets, prev+1, cur+1, int32(i))
			}
			if i == n-1 {
				fill(offsets, cur+1, tilesTotal, int32(n))
			}
		}
		return nil
	})
	if _, err := kernel.Exec1D(ctx, 0, n, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func fill(dst []int32, from, to int, v int32) {
	for i := from; i < to; i++ {
		dst[i] = v
	}
}

// TileRange returns the [start, end) range of sorted intersections for the
// flattened (camera, tile) index flat. n is the total intersection count.
func TileRange(offsets []int32, flat, n int) (int, int) {
	start := int(offsets[flat])
	end := n
	if flat+1 < len(offsets) {
		end = int(offsets[flat+1])
	}
	return start, end
}
