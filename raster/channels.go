package raster

import (
	"fmt"
	"math/bits"
	"slices"

	"github.com/achilleasa/gsplat/device"
)

// MaxChannels is the largest channel count the compositor accepts.
const MaxChannels = 513

// SupportedChannels lists the channel counts the compositor kernels accept.
var SupportedChannels = []int{1, 2, 3, 4, 5, 8, 9, 16, 17, 32, 33, 64, 65, 128, 129, 256, 257, 512, 513}

// IsSupportedChannels reports whether d can be composited without padding.
func IsSupportedChannels(d int) bool {
	_, found := slices.BinarySearch(SupportedChannels, d)
	return found
}

// PaddedChannels returns the channel count d must be padded to before
// compositing: d itself if supported, otherwise the next power of two.
func PaddedChannels(d int) (int, error) {
	if d <= 0 || d > MaxChannels {
		return 0, fmt.Errorf("%w: %d channels; expected 1 to %d", ErrUnsupportedChannels, d, MaxChannels)
	}
	if IsSupportedChannels(d) {
		return d, nil
	}
	return 1 << bits.Len(uint(d-1)), nil
}

// ResizeChannels copies b into a new buffer whose last dimension is d,
// zero-filling added channels and dropping removed ones. It returns b when
// the last dimension already equals d.
func ResizeChannels(b *device.Buffer, d int) *device.Buffer {
	shape := b.Shape()
	from := shape[len(shape)-1]
	if from == d {
		return b
	}
	outShape := append(append([]int(nil), shape[:len(shape)-1]...), d)
	out := device.Alloc[float32](b.Name(), outShape...)

	src, dst := device.Data[float32](b), device.Data[float32](out)
	n := min(from, d)
	rows := b.Len() / max(1, from)
	for r := 0; r < rows; r++ {
		copy(dst[r*d:r*d+n], src[r*from:r*from+n])
	}
	return out
}
