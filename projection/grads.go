package projection

import (
	"github.com/achilleasa/gsplat/device"
)

// GradPolicy selects how per-row gradient contributions are gathered into
// per-Gaussian gradients. It is independent of the projection layout.
type GradPolicy uint8

const (
	// Scatter-add every contribution into a dense [N,k] buffer.
	DenseGrads GradPolicy = iota

	// Keep one (gaussian id, values) entry per contributing row.
	SparseGrads
)

func (p GradPolicy) String() string {
	if p == SparseGrads {
		return "sparse"
	}
	return "dense"
}

// Grad is the gradient of an [N,k] per-Gaussian parameter. Exactly one of
// Dense or the Indices/Values pair is populated.
type Grad struct {
	Dense *device.Buffer // [N,k]

	Indices *device.Buffer // [nnz] int32 gaussian ids
	Values  *device.Buffer // [nnz,k]
}

// IsSparse reports whether the gradient is stored as COO rows.
func (g Grad) IsSparse() bool {
	return g.Indices != nil
}

// ToDense returns the gradient as a dense [n,k] buffer, summing duplicate
// sparse entries.
func (g Grad) ToDense(n int) *device.Buffer {
	if !g.IsSparse() {
		return g.Dense
	}
	k := g.Values.Dim(1)
	out := device.Alloc[float32](g.Values.Name(), n, k)
	dst := device.Data[float32](out)
	vals := device.Data[float32](g.Values)
	for row, gid := range device.Data[int32](g.Indices) {
		for j := 0; j < k; j++ {
			dst[int(gid)*k+j] += vals[row*k+j]
		}
	}
	return out
}

// An Accumulator gathers the gradient contributions of a per-Gaussian
// parameter. Add may be called concurrently as long as each row is only
// written by a single goroutine.
type Accumulator struct {
	policy GradPolicy
	width  int
	name   string

	dense   []float32
	indices []int32
	values  []float32

	denseBuf, indicesBuf, valuesBuf *device.Buffer
}

// NewAccumulator creates an accumulator for a parameter of n Gaussians with
// width values each, receiving contributions from rows distinct rows.
func NewAccumulator(policy GradPolicy, name string, n, rows, width int) *Accumulator {
	acc := &Accumulator{policy: policy, width: width, name: name}
	if policy == SparseGrads {
		acc.indicesBuf = device.Alloc[int32](name+"_indices", rows)
		acc.valuesBuf = device.Alloc[float32](name, rows, width)
		acc.indices = device.Data[int32](acc.indicesBuf)
		acc.values = device.Data[float32](acc.valuesBuf)
		for i := range acc.indices {
			acc.indices[i] = -1
		}
		return acc
	}
	acc.denseBuf = device.Alloc[float32](name, n, width)
	acc.dense = device.Data[float32](acc.denseBuf)
	return acc
}

// Add records the contribution v of row for Gaussian gid.
func (acc *Accumulator) Add(row, gid int, v []float32) {
	if acc.policy == SparseGrads {
		acc.indices[row] = int32(gid)
		dst := acc.values[row*acc.width : (row+1)*acc.width]
		for i, x := range v {
			dst[i] += x
		}
		return
	}
	dst := acc.dense[gid*acc.width : (gid+1)*acc.width]
	for i, x := range v {
		device.AtomicAddFloat32(&dst[i], x)
	}
}

// Finish returns the accumulated gradient. Sparse rows that never received a
// contribution are dropped.
func (acc *Accumulator) Finish() Grad {
	if acc.policy != SparseGrads {
		return Grad{Dense: acc.denseBuf}
	}

	nnz := 0
	for _, gid := range acc.indices {
		if gid >= 0 {
			nnz++
		}
	}
	if nnz == len(acc.indices) {
		return Grad{Indices: acc.indicesBuf, Values: acc.valuesBuf}
	}

	indices := device.Alloc[int32](acc.indicesBuf.Name(), nnz)
	values := device.Alloc[float32](acc.name, nnz, acc.width)
	idx, vals := device.Data[int32](indices), device.Data[float32](values)
	out := 0
	for row, gid := range acc.indices {
		if gid < 0 {
			continue
		}
		idx[out] = gid
		copy(vals[out*acc.width:(out+1)*acc.width], acc.values[row*acc.width:(row+1)*acc.width])
		out++
	}
	return Grad{Indices: indices, Values: values}
}
