package device

import (
	"reflect"
	"testing"
)

func TestNaiveScheduler(t *testing.T) {
	type spec struct {
		units      int
		parts      int
		expBatches []Batch
	}
	specs := []spec{
		{10, 2, []Batch{{0, 5}, {5, 10}}},
		{10, 3, []Batch{{0, 4}, {4, 8}, {8, 10}}},
		{2, 8, []Batch{{0, 1}, {1, 2}}},
		{0, 4, nil},
	}

	sch := NaiveScheduler()
	for index, s := range specs {
		batches := sch.Schedule(make([]int, s.units), s.parts)
		if !reflect.DeepEqual(batches, s.expBatches) {
			t.Fatalf("[spec %d] expected batches %v; got %v", index, s.expBatches, batches)
		}
	}
}

func TestBalancedScheduler(t *testing.T) {
	type spec struct {
		weights    []int
		baseCost   int
		parts      int
		expBatches []Batch
	}
	specs := []spec{
		// A single heavy unit on each end
		{[]int{10, 0, 0, 0, 10, 0, 0, 0}, 0, 2, []Batch{{0, 1}, {1, 8}}},
		// Uniform weights behave like the naive scheduler
		{[]int{1, 1, 1, 1}, 0, 2, []Batch{{0, 2}, {2, 4}}},
		// Empty units are charged the base cost
		{[]int{0, 0, 0, 0, 0, 0}, 1, 3, []Batch{{0, 2}, {2, 4}, {4, 6}}},
		// Never emits more batches than requested
		{[]int{100, 1, 1, 1}, 0, 2, []Batch{{0, 1}, {1, 4}}},
	}

	for index, s := range specs {
		batches := BalancedScheduler(s.baseCost).Schedule(s.weights, s.parts)
		if !reflect.DeepEqual(batches, s.expBatches) {
			t.Fatalf("[spec %d] expected batches %v; got %v", index, s.expBatches, batches)
		}

		// Batches must tile the unit range without gaps.
		next := 0
		for _, b := range batches {
			if b.Start != next || b.End <= b.Start {
				t.Fatalf("[spec %d] batches %v do not tile the unit range", index, batches)
			}
			next = b.End
		}
		if next != len(s.weights) {
			t.Fatalf("[spec %d] expected batches to cover %d units; got %d", index, len(s.weights), next)
		}
	}
}
