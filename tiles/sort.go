package tiles

import (
	"context"
	"fmt"

	"github.com/achilleasa/gsplat/device"
)

const (
	radixBits    = 8
	radixBuckets = 1 << radixBits
	radixMask    = radixBuckets - 1
)

// RadixSort stably sorts keys in ascending order, permuting values alongside.
// Only the lowest keyBits bits of each key are examined.
//
// Each pass builds per-chunk digit histograms in parallel, turns them into
// bucket-major scatter offsets and then scatters every chunk in parallel.
// Chunks scatter into disjoint ranges and walk their items in order, which
// keeps the sort stable.
func RadixSort(ctx context.Context, dev *device.Device, keys, values *device.Buffer, keyBits int) error {
	src := device.Data[uint64](keys)
	srcVals := device.Data[int32](values)
	n := len(src)
	if len(srcVals) != n {
		return fmt.Errorf("%w: %s has %d elements; expected %d", device.ErrShapeMismatch, values.Name(), len(srcVals), n)
	}
	if n < 2 || keyBits <= 0 {
		return nil
	}

	chunk := max(radixBuckets, ceilDiv(n, 4*max(1, dev.Workers)))
	chunks := ceilDiv(n, chunk)
	hist := make([]int, chunks*radixBuckets)

	dst := make([]uint64, n)
	dstVals := make([]int32, n)
	var shift uint

	histogram := dev.Kernel(radixHistogram.String(), func(g device.Group) error {
		h := hist[g.ID[0]*radixBuckets : (g.ID[0]+1)*radixBuckets]
		clear(h)
		start, end := g.Range()
		for _, key := range src[start:end] {
			h[key>>shift&radixMask]++
		}
		return nil
	})
	scatter := dev.Kernel(radixScatter.String(), func(g device.Group) error {
		h := hist[g.ID[0]*radixBuckets : (g.ID[0]+1)*radixBuckets]
		start, end := g.Range()
		for i := start; i < end; i++ {
			d := src[i] >> shift & radixMask
			pos := h[d]
			dst[pos], dstVals[pos] = src[i], srcVals[i]
			h[d]++
		}
		return nil
	})

	swapped := false
	for ; int(shift) < keyBits; shift += radixBits {
		if _, err := histogram.Exec1D(ctx, 0, n, chunk); err != nil {
			return err
		}

		// Convert the counts into exclusive offsets ordered by bucket and
		// then by chunk. A pass where every key lands in one bucket is a
		// no-op and is skipped.
		running := 0
		trivial := false
		for b := 0; b < radixBuckets; b++ {
			bucketTotal := 0
			for c := 0; c < chunks; c++ {
				count := hist[c*radixBuckets+b]
				hist[c*radixBuckets+b] = running
				running += count
				bucketTotal += count
			}
			if bucketTotal == n {
				trivial = true
			}
		}
		if trivial {
			continue
		}

		if _, err := scatter.Exec1D(ctx, 0, n, chunk); err != nil {
			return err
		}
		src, dst = dst, src
		srcVals, dstVals = dstVals, srcVals
		swapped = !swapped
	}

	if swapped {
		copy(dst, src)
		copy(dstVals, srcVals)
	}
	return nil
}
