package device

import (
	"sync/atomic"
	"unsafe"

	"github.com/chewxy/math32"
)

// AtomicAddFloat32 adds v to *addr using a compare-and-swap loop on the float bits.
func AtomicAddFloat32(addr *float32, v float32) {
	if v == 0 {
		return
	}
	bits := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(bits)
		next := math32.Float32bits(math32.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(bits, old, next) {
			return
		}
	}
}

// AtomicAddFloat32s adds src element-wise into dst.
func AtomicAddFloat32s(dst, src []float32) {
	for i, v := range src {
		AtomicAddFloat32(&dst[i], v)
	}
}
