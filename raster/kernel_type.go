package raster

import "fmt"

type kernelType uint8

// The list of compositing kernels.
const (
	composite kernelType = iota
	compositeBackward
	rayTrace
	rayTraceBackward
	//
	numKernels
)

// Implements Stringer; the kernel name is used for device stats.
func (kt kernelType) String() string {
	switch kt {
	case composite:
		return "composite"
	case compositeBackward:
		return "compositeBackward"
	case rayTrace:
		return "rayTrace"
	case rayTraceBackward:
		return "rayTraceBackward"
	default:
		panic(fmt.Sprintf("Unsupported kernel type: %d", kt))
	}
}
