package device

import (
	"fmt"
	"unsafe"

	"honnef.co/go/safeish"
)

// Elem lists the element types a Buffer can hold.
type Elem interface {
	float32 | int32 | int64 | uint64 | uint8
}

// DType identifies the element type stored in a Buffer.
type DType uint8

// Supported element types.
const (
	Float32 DType = iota
	Int32
	Int64
	Uint64
	Uint8
)

func (dt DType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Uint8:
		return "uint8"
	}
	panic(fmt.Sprintf("cpu device: unsupported dtype %d", dt))
}

func dtypeOf[T Elem]() DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case int32:
		return Int32
	case int64:
		return Int64
	case uint64:
		return Uint64
	default:
		return Uint8
	}
}

// A Buffer is a named, shaped N-dimensional array resident in host memory.
// Its storage is 8-byte aligned and can be viewed as any supported element
// type via Data.
type Buffer struct {
	// A name for identifying the buffer in errors and stats.
	name string

	shape []int
	dtype DType

	// Backing storage.
	data []byte
}

// Alloc allocates a zeroed buffer with the given shape.
func Alloc[T Elem](name string, shape ...int) *Buffer {
	n := numElems(shape)
	size := n * int(unsafe.Sizeof(*new(T)))

	b := &Buffer{
		name:  name,
		shape: append([]int(nil), shape...),
		dtype: dtypeOf[T](),
	}
	if size > 0 {
		words := make([]uint64, (size+7)/8)
		b.data = safeish.SliceCast[[]byte](words)[:size]
	}
	return b
}

// Wrap exposes data as a buffer without copying it. If no shape is specified
// the buffer is one-dimensional. An error is returned if the shape does not
// describe len(data) elements.
func Wrap[T Elem](name string, data []T, shape ...int) (*Buffer, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	if numElems(shape) != len(data) {
		return nil, fmt.Errorf("%w: %s has %d elements; shape %v requires %d", ErrShapeMismatch, name, len(data), shape, numElems(shape))
	}

	b := &Buffer{
		name:  name,
		shape: append([]int(nil), shape...),
		dtype: dtypeOf[T](),
	}
	if len(data) > 0 {
		b.data = safeish.SliceCast[[]byte](data)
	}
	return b, nil
}

// Data returns a typed view over the buffer contents. Writes through the view
// modify the buffer. Requesting a type other than the buffer's element type
// is a programming error and panics.
func Data[T Elem](b *Buffer) []T {
	if b == nil || len(b.data) == 0 {
		return nil
	}
	if dt := dtypeOf[T](); dt != b.dtype {
		panic(fmt.Sprintf("cpu device: buffer %s holds %s elements; requested %s view", b.name, b.dtype, dt))
	}
	return safeish.SliceCast[[]T](b.data)
}

// Get buffer name.
func (b *Buffer) Name() string {
	return b.name
}

// Get buffer shape. The returned slice must not be modified.
func (b *Buffer) Shape() []int {
	return b.shape
}

// Dim returns the size of dimension i.
func (b *Buffer) Dim(i int) int {
	return b.shape[i]
}

// Get element type.
func (b *Buffer) DType() DType {
	return b.dtype
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	return numElems(b.shape)
}

// Size returns the allocated size in bytes.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Zero clears the buffer contents.
func (b *Buffer) Zero() {
	clear(b.data)
}

// Clone returns a deep copy of the buffer under a new name.
func (b *Buffer) Clone(name string) *Buffer {
	out := &Buffer{
		name:  name,
		shape: append([]int(nil), b.shape...),
		dtype: b.dtype,
	}
	if len(b.data) > 0 {
		words := make([]uint64, (len(b.data)+7)/8)
		out.data = safeish.SliceCast[[]byte](words)[:len(b.data)]
		copy(out.data, b.data)
	}
	return out
}

// Reshape changes the buffer shape in place. The element count must not change.
func (b *Buffer) Reshape(shape ...int) error {
	if numElems(shape) != b.Len() {
		return fmt.Errorf("%w: cannot reshape %s from %v to %v", ErrShapeMismatch, b.name, b.shape, shape)
	}
	b.shape = append([]int(nil), shape...)
	return nil
}

// CheckShape verifies the buffer shape against want. A negative entry in want
// matches any size for that dimension.
func (b *Buffer) CheckShape(want ...int) error {
	if b == nil {
		return fmt.Errorf("%w: missing buffer; expected shape %v", ErrShapeMismatch, want)
	}
	if len(b.shape) != len(want) {
		return fmt.Errorf("%w: %s has shape %v; expected %v", ErrShapeMismatch, b.name, b.shape, want)
	}
	for i, w := range want {
		if w >= 0 && b.shape[i] != w {
			return fmt.Errorf("%w: %s has shape %v; expected %v", ErrShapeMismatch, b.name, b.shape, want)
		}
	}
	return nil
}

// CheckDType verifies the buffer element type.
func (b *Buffer) CheckDType(want DType) error {
	if b.dtype != want {
		return fmt.Errorf("%w: %s holds %s; expected %s", ErrDTypeMismatch, b.name, b.dtype, want)
	}
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s%v(%s)", b.name, b.shape, b.dtype)
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
