package integrate

import "fmt"

type kernelType uint8

// The list of point integration kernels.
const (
	pointCoordinates kernelType = iota
	integratePoints
	//
	numKernels
)

// Implements Stringer; the kernel name is used for device stats.
func (kt kernelType) String() string {
	switch kt {
	case pointCoordinates:
		return "pointCoordinates"
	case integratePoints:
		return "integratePoints"
	default:
		panic(fmt.Sprintf("Unsupported kernel type: %d", kt))
	}
}
