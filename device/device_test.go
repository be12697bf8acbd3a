package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelExec1DWithAutoLocalWorkSize(t *testing.T) {
	dev := New("test", 4)

	dataSize := 1000
	in := Alloc[int32]("in", dataSize)
	out := Alloc[int32]("out", dataSize)
	src := Data[int32](in)
	for i := range src {
		src[i] = int32(i)
	}

	kernel := dev.Kernel("square", func(g Group) error {
		src, dst := Data[int32](in), Data[int32](out)
		start, end := g.Range()
		for i := start; i < end; i++ {
			dst[i] = src[i] * src[i]
		}
		return nil
	})

	_, err := kernel.Exec1D(context.Background(), 0, dataSize, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range Data[int32](out) {
		if exp := int32(i * i); v != exp {
			t.Fatalf("expected out[%d] to be %d; got %d", i, exp, v)
		}
	}

	stats := dev.KernelStats()
	require.Len(t, stats, 1)
	require.Equal(t, "square", stats[0].Name)
	require.Equal(t, 1, stats[0].Launches)
}

func TestKernelExec2DCoversEveryItemOnce(t *testing.T) {
	dev := New("test", 3)

	w, h := 37, 21
	hits := Alloc[int32]("hits", h, w)
	kernel := dev.Kernel("count", func(g Group) error {
		data := Data[int32](hits)
		g.Items(func(global, _ [2]int) {
			data[global[1]*w+global[0]]++
		})
		return nil
	})

	_, err := kernel.Exec2D(context.Background(), 0, 0, w, h, 8, 8)
	require.NoError(t, err)
	for i, v := range Data[int32](hits) {
		if v != 1 {
			t.Fatalf("expected item %d to be visited once; got %d", i, v)
		}
	}
}

func TestKernelErrorsAbortLaunch(t *testing.T) {
	dev := New("test", 2)
	errBoom := errors.New("boom")

	kernel := dev.Kernel("fail", func(g Group) error {
		if g.ID[0] == 3 {
			return errBoom
		}
		return nil
	})

	_, err := kernel.Exec1D(context.Background(), 0, 100, 10)
	require.ErrorIs(t, err, errBoom)
	require.Empty(t, dev.KernelStats(), "failed launches must not be recorded")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = kernel.Exec1D(ctx, 0, 100, 10)
	require.ErrorIs(t, err, context.Canceled)

	_, err = kernel.Exec1D(context.Background(), -1, 100, 10)
	require.ErrorIs(t, err, ErrInvalidLaunch)
}

func TestExecBatches(t *testing.T) {
	dev := New("test", 4)
	weights := []int{5, 0, 0, 7, 1, 1, 9, 0}
	out := make([]int, len(weights))

	kernel := dev.Kernel("batches", func(g Group) error {
		start, end := g.Range()
		for i := start; i < end; i++ {
			out[i] = weights[i] * 2
		}
		return nil
	})
	_, err := kernel.ExecBatches(context.Background(), BalancedScheduler(1).Schedule(weights, 3))
	require.NoError(t, err)
	for i, w := range weights {
		require.Equal(t, 2*w, out[i])
	}
}

func TestAtomicAddFloat32(t *testing.T) {
	var acc float32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				AtomicAddFloat32(&acc, 0.5)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, float32(4000), acc)
}

func TestDeviceList(t *testing.T) {
	devs := CPUDevices()
	require.Len(t, devs, 1)
	require.Equal(t, "CPU", devs[0].Type.String())
	require.Greater(t, devs[0].Workers, 0)
}
