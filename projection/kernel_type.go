package projection

import "fmt"

type kernelType uint8

// The list of kernels that implement the projection stage.
const (
	projectDense kernelType = iota
	countVisible
	projectPacked
	projectBackward
	viewToGaussiansForward
	viewToGaussiansBackward
	smoothingFilter3D
	projectPointsForward
	//
	numKernels
)

// Implements Stringer; the kernel name is used for device stats.
func (kt kernelType) String() string {
	switch kt {
	case projectDense:
		return "projectDense"
	case countVisible:
		return "countVisible"
	case projectPacked:
		return "projectPacked"
	case projectBackward:
		return "projectBackward"
	case viewToGaussiansForward:
		return "viewToGaussians"
	case viewToGaussiansBackward:
		return "viewToGaussiansBackward"
	case smoothingFilter3D:
		return "smoothingFilter3D"
	case projectPointsForward:
		return "projectPoints"
	default:
		panic(fmt.Sprintf("Unsupported kernel type: %d", kt))
	}
}
