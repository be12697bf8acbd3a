package device

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// A Group describes one work group of a kernel launch. All work items in a
// group are processed sequentially by the same goroutine so kernels may keep
// group-local scratch state while walking them.
type Group struct {
	// Group coordinates within the launch grid.
	ID [2]int

	// First global work item covered by this group.
	Offset [2]int

	// Local work size.
	Size [2]int

	// Launch offset and global work size; items outside this range are skipped.
	LaunchOffset [2]int
	GlobalSize   [2]int
}

// Items invokes fn for each in-bounds work item of the group in row-major order.
func (g Group) Items(fn func(global, local [2]int)) {
	endX := min(g.Offset[0]+g.Size[0], g.LaunchOffset[0]+g.GlobalSize[0])
	endY := min(g.Offset[1]+g.Size[1], g.LaunchOffset[1]+g.GlobalSize[1])
	for y := g.Offset[1]; y < endY; y++ {
		for x := g.Offset[0]; x < endX; x++ {
			fn([2]int{x, y}, [2]int{x - g.Offset[0], y - g.Offset[1]})
		}
	}
}

// Range returns the [start, end) range of global work items along the first
// dimension for 1D launches.
func (g Group) Range() (int, int) {
	return g.Offset[0], min(g.Offset[0]+g.Size[0], g.LaunchOffset[0]+g.GlobalSize[0])
}

// KernelFunc implements a kernel. It is called once per work group.
type KernelFunc func(g Group) error

// A Kernel is a named function executed over a launch grid.
type Kernel struct {
	device *Device
	name   string
	fn     KernelFunc
}

// Get kernel name.
func (k *Kernel) Name() string {
	return k.name
}

// Execute 1D kernel. If localWorkSize is 0 the device picks a work group size
// that yields a few groups per worker.
func (k *Kernel) Exec1D(ctx context.Context, offset, globalWorkSize, localWorkSize int) (time.Duration, error) {
	if localWorkSize <= 0 {
		localWorkSize = max(1, ceilDiv(globalWorkSize, 4*k.device.workers()))
	}
	return k.exec(ctx, [2]int{offset, 0}, [2]int{globalWorkSize, 1}, [2]int{localWorkSize, 1})
}

// Execute 2D kernel. If either local work size is 0 the device uses 16x16 groups.
func (k *Kernel) Exec2D(ctx context.Context, offsetX, offsetY, globalWorkSizeX, globalWorkSizeY, localWorkSizeX, localWorkSizeY int) (time.Duration, error) {
	if localWorkSizeX <= 0 || localWorkSizeY <= 0 {
		localWorkSizeX, localWorkSizeY = 16, 16
	}
	return k.exec(
		ctx,
		[2]int{offsetX, offsetY},
		[2]int{globalWorkSizeX, globalWorkSizeY},
		[2]int{localWorkSizeX, localWorkSizeY},
	)
}

// ExecBatches runs a 1D kernel whose work groups are the supplied batches,
// typically produced by a Scheduler.
func (k *Kernel) ExecBatches(ctx context.Context, batches []Batch) (time.Duration, error) {
	if len(batches) == 0 {
		return 0, nil
	}
	global := [2]int{batches[len(batches)-1].End, 1}

	tick := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(k.device.workers())
	for idx, batch := range batches {
		if egCtx.Err() != nil {
			break
		}
		if batch.End <= batch.Start {
			continue
		}
		g := Group{
			ID:         [2]int{idx, 0},
			Offset:     [2]int{batch.Start, 0},
			Size:       [2]int{batch.End - batch.Start, 1},
			GlobalSize: global,
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return k.fn(g)
		})
	}
	return k.finish(ctx, eg, tick)
}

func (k *Kernel) exec(ctx context.Context, offset, global, local [2]int) (time.Duration, error) {
	if global[0] < 0 || global[1] < 0 || offset[0] < 0 || offset[1] < 0 {
		return 0, fmt.Errorf("%w: kernel %s global size %v offset %v", ErrInvalidLaunch, k.name, global, offset)
	}
	if global[0] == 0 || global[1] == 0 {
		return 0, nil
	}

	groups := [2]int{ceilDiv(global[0], local[0]), ceilDiv(global[1], local[1])}

	tick := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(k.device.workers())

launch:
	for gy := 0; gy < groups[1]; gy++ {
		for gx := 0; gx < groups[0]; gx++ {
			if egCtx.Err() != nil {
				break launch
			}
			g := Group{
				ID:           [2]int{gx, gy},
				Offset:       [2]int{offset[0] + gx*local[0], offset[1] + gy*local[1]},
				Size:         local,
				LaunchOffset: offset,
				GlobalSize:   global,
			}
			eg.Go(func() error {
				if err := egCtx.Err(); err != nil {
					return err
				}
				return k.fn(g)
			})
		}
	}
	return k.finish(ctx, eg, tick)
}

func (k *Kernel) finish(ctx context.Context, eg *errgroup.Group, tick time.Time) (time.Duration, error) {
	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	elapsed := time.Since(tick)
	if err != nil {
		return elapsed, fmt.Errorf("cpu device (%s): kernel %s did not complete successfully: %w", k.device.Name, k.name, err)
	}
	k.device.recordLaunch(k.name, elapsed)
	return elapsed, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
