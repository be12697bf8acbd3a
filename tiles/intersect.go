package tiles

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/log"
	"github.com/chewxy/math32"
)

var logger = log.New("tiles")

// IntersectInput holds the projected primitives to bin. Dense inputs are
// [C,N,...] buffers; packed inputs are [nnz,...] buffers with a parallel
// camera id buffer.
type IntersectInput struct {
	Means2D *device.Buffer // [C,N,2] or [nnz,2]
	Radii   *device.Buffer // [C,N] or [nnz] int32
	Depths  *device.Buffer // [C,N] or [nnz]

	Packed    bool
	CameraIDs *device.Buffer // [nnz] int32
	NCameras  int
}

// IntersectOptions controls the binning stage.
type IntersectOptions struct {
	// Sort the intersections by key. When false the keys are returned in
	// primitive order.
	Sort bool
}

// Intersections is the output of the binning stage.
type Intersections struct {
	TilesPerGauss *device.Buffer // [C,N] or [nnz] int32
	IsectIDs      *device.Buffer // [n] uint64
	FlattenIDs    *device.Buffer // [n] int32

	Layout   KeyLayout
	NCameras int
	Sorted   bool
}

// Len returns the number of intersections.
func (is *Intersections) Len() int {
	return is.IsectIDs.Len()
}

// rows resolves the primitive count and camera of every row.
func (in IntersectInput) rows() (rows, nCameras int, cameraOf func(int) int, err error) {
	if in.Packed {
		if in.CameraIDs == nil || in.NCameras <= 0 {
			return 0, 0, nil, ErrMissingIDs
		}
		rows = in.Radii.Len()
		if err = in.CameraIDs.CheckShape(rows); err != nil {
			return 0, 0, nil, err
		}
		if err = in.CameraIDs.CheckDType(device.Int32); err != nil {
			return 0, 0, nil, err
		}
		camIDs := device.Data[int32](in.CameraIDs)
		for r, cam := range camIDs {
			if cam < 0 || int(cam) >= in.NCameras {
				return 0, 0, nil, fmt.Errorf("%w: row %d has camera id %d; expected [0, %d)", ErrInvalidIDs, r, cam, in.NCameras)
			}
		}
		return rows, in.NCameras, func(r int) int { return int(camIDs[r]) }, nil
	}

	if err = in.Radii.CheckShape(-1, -1); err != nil {
		return 0, 0, nil, err
	}
	nCameras, n := in.Radii.Dim(0), in.Radii.Dim(1)
	return nCameras * n, nCameras, func(r int) int { return r / n }, nil
}

func (in IntersectInput) validate(rows int) error {
	if err := in.Means2D.CheckDType(device.Float32); err != nil {
		return err
	}
	if err := in.Radii.CheckDType(device.Int32); err != nil {
		return err
	}
	if in.Means2D.Len() != rows*2 {
		return fmt.Errorf("%w: %s has shape %v; expected %d rows of 2 values", device.ErrShapeMismatch, in.Means2D.Name(), in.Means2D.Shape(), rows)
	}
	if in.Depths.Len() != rows {
		return fmt.Errorf("%w: %s has shape %v; expected %d rows", device.ErrShapeMismatch, in.Depths.Name(), in.Depths.Shape(), rows)
	}
	return nil
}

// Intersect emits one key and flatten id per (primitive, overlapped tile)
// pair. Tiles are counted first so the outputs can be sized exactly before
// they are filled.
func Intersect(ctx context.Context, dev *device.Device, in IntersectInput, grid Grid, opts IntersectOptions) (*Intersections, error) {
	if in.Means2D == nil || in.Radii == nil || in.Depths == nil {
		return nil, fmt.Errorf("%w: missing projected primitives", device.ErrShapeMismatch)
	}
	rows, nCameras, cameraOf, err := in.rows()
	if err != nil {
		return nil, err
	}
	if err = in.validate(rows); err != nil {
		return nil, err
	}
	layout, err := NewKeyLayout(nCameras, grid)
	if err != nil {
		return nil, err
	}

	means2D := device.Data[float32](in.Means2D)
	radii := device.Data[int32](in.Radii)
	depths := device.Data[float32](in.Depths)

	out := &Intersections{
		TilesPerGauss: device.Alloc[int32]("tiles_per_gauss", in.Radii.Shape()...),
		Layout:        layout,
		NCameras:      nCameras,
	}
	tilesPerGauss := device.Data[int32](out.TilesPerGauss)

	count := dev.Kernel(countTiles.String(), func(g device.Group) error {
		start, end := g.Range()
		for r := start; r < end; r++ {
			if radii[r] <= 0 {
				continue
			}
			minX, minY, maxX, maxY := grid.TileRect(means2D[r*2], means2D[r*2+1], radii[r])
			tilesPerGauss[r] = int32((maxX - minX) * (maxY - minY))
		}
		return nil
	})
	if _, err = count.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, err
	}

	cumTiles := make([]int, rows+1)
	for r, n := range tilesPerGauss {
		cumTiles[r+1] = cumTiles[r] + int(n)
	}
	total := cumTiles[rows]

	out.IsectIDs = device.Alloc[uint64]("isect_ids", total)
	out.FlattenIDs = device.Alloc[int32]("flatten_ids", total)
	keys := device.Data[uint64](out.IsectIDs)
	flatten := device.Data[int32](out.FlattenIDs)

	fill := dev.Kernel(fillIntersections.String(), func(g device.Group) error {
		start, end := g.Range()
		for r := start; r < end; r++ {
			if tilesPerGauss[r] == 0 {
				continue
			}
			cam := cameraOf(r)
			minX, minY, maxX, maxY := grid.TileRect(means2D[r*2], means2D[r*2+1], radii[r])
			cur := cumTiles[r]
			for ty := minY; ty < maxY; ty++ {
				for tx := minX; tx < maxX; tx++ {
					keys[cur] = layout.Key(cam, ty*grid.TileWidth+tx, depths[r])
					flatten[cur] = int32(r)
					cur++
				}
			}
		}
		return nil
	})
	if _, err = fill.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, err
	}

	if opts.Sort {
		if err = RadixSort(ctx, dev, out.IsectIDs, out.FlattenIDs, layout.Bits()); err != nil {
			return nil, err
		}
		out.Sorted = true
	}

	logger.Debugf("binned %d rows into %d intersections (%d key bits)", rows, total, layout.Bits())
	return out, nil
}

// IntersectPoints emits one key per valid query point for the tile that
// contains it. Point rows use the same dense or packed layout as Intersect;
// a point is valid when its radius is positive.
func IntersectPoints(ctx context.Context, dev *device.Device, in IntersectInput, grid Grid, opts IntersectOptions) (*Intersections, error) {
	if in.Means2D == nil || in.Radii == nil || in.Depths == nil {
		return nil, fmt.Errorf("%w: missing projected points", device.ErrShapeMismatch)
	}
	rows, nCameras, cameraOf, err := in.rows()
	if err != nil {
		return nil, err
	}
	if err = in.validate(rows); err != nil {
		return nil, err
	}
	layout, err := NewKeyLayout(nCameras, grid)
	if err != nil {
		return nil, err
	}

	means2D := device.Data[float32](in.Means2D)
	radii := device.Data[int32](in.Radii)
	depths := device.Data[float32](in.Depths)

	out := &Intersections{
		TilesPerGauss: device.Alloc[int32]("tiles_per_point", in.Radii.Shape()...),
		Layout:        layout,
		NCameras:      nCameras,
	}
	tilesPerPoint := device.Data[int32](out.TilesPerGauss)
	tileOf := make([]int32, rows)

	count := dev.Kernel(countPointTiles.String(), func(g device.Group) error {
		start, end := g.Range()
		for r := start; r < end; r++ {
			if radii[r] <= 0 {
				continue
			}
			if tile, ok := grid.TileAt(means2D[r*2], means2D[r*2+1]); ok {
				tilesPerPoint[r] = 1
				tileOf[r] = int32(tile)
			}
		}
		return nil
	})
	if _, err = count.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, err
	}

	cum := make([]int, rows+1)
	for r, n := range tilesPerPoint {
		cum[r+1] = cum[r] + int(n)
	}
	total := cum[rows]
	out.IsectIDs = device.Alloc[uint64]("point_isect_ids", total)
	out.FlattenIDs = device.Alloc[int32]("point_flatten_ids", total)
	keys := device.Data[uint64](out.IsectIDs)
	flatten := device.Data[int32](out.FlattenIDs)

	fill := dev.Kernel(fillPointIntersections.String(), func(g device.Group) error {
		start, end := g.Range()
		for r := start; r < end; r++ {
			if tilesPerPoint[r] == 0 {
				continue
			}
			keys[cum[r]] = layout.Key(cameraOf(r), int(tileOf[r]), depths[r])
			flatten[cum[r]] = int32(r)
		}
		return nil
	})
	if _, err = fill.Exec1D(ctx, 0, rows, 0); err != nil {
		return nil, err
	}

	if opts.Sort {
		if err = RadixSort(ctx, dev, out.IsectIDs, out.FlattenIDs, layout.Bits()); err != nil {
			return nil, err
		}
		out.Sorted = true
	}
	return out, nil
}

func depthKeyBits(depth float32) uint32 {
	return math32.Float32bits(math32.Max(depth, 0))
}

func floorInt(v float32) int {
	return int(math32.Floor(v))
}

func ceilInt(v float32) int {
	return int(math32.Ceil(v))
}
