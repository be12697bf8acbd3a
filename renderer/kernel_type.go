package renderer

type kernelType uint8

const (
	gatherAttributes kernelType = iota
	scatterAttributeGrads
	numKernels
)

func (kt kernelType) String() string {
	switch kt {
	case gatherAttributes:
		return "gather_attributes"
	case scatterAttributeGrads:
		return "scatter_attribute_grads"
	}
	panic("unsupported kernel type")
}
