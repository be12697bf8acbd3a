package tiles

import "fmt"

type kernelType uint8

// The list of kernels used for binning and sorting.
const (
	countTiles kernelType = iota
	fillIntersections
	countPointTiles
	fillPointIntersections
	radixHistogram
	radixScatter
	encodeOffsets
	//
	numKernels
)

// Implements Stringer; the kernel name is used for device stats.
func (kt kernelType) String() string {
	switch kt {
	case countTiles:
		return "countTiles"
	case fillIntersections:
		return "fillIntersections"
	case countPointTiles:
		return "countPointTiles"
	case fillPointIntersections:
		return "fillPointIntersections"
	case radixHistogram:
		return "radixHistogram"
	case radixScatter:
		return "radixScatter"
	case encodeOffsets:
		return "encodeOffsets"
	default:
		panic(fmt.Sprintf("Unsupported kernel type: %d", kt))
	}
}
