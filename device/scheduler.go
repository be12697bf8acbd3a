package device

// A Batch is a contiguous [Start, End) range of work units.
type Batch struct {
	Start int
	End   int
}

// The Scheduler interface is implemented by all work partitioning algorithms.
type Scheduler interface {
	// Split the work units [0, len(weights)) into at most parts contiguous
	// batches. The weights estimate the cost of each unit.
	Schedule(weights []int, parts int) []Batch
}

// The naive scheduler ignores the unit weights and assigns the same number of
// units to each batch.
type naiveScheduler struct{}

// Create a new naive scheduler instance.
func NaiveScheduler() Scheduler {
	return naiveScheduler{}
}

func (naiveScheduler) Schedule(weights []int, parts int) []Batch {
	n := len(weights)
	if n == 0 {
		return nil
	}
	parts = max(1, min(parts, n))

	per := ceilDiv(n, parts)
	batches := make([]Batch, 0, parts)
	for start := 0; start < n; start += per {
		batches = append(batches, Batch{Start: start, End: min(n, start+per)})
	}
	return batches
}

// The balanced scheduler closes a batch whenever the running weight crosses
// the next multiple of total/parts. Each unit is charged an extra base cost so
// runs of empty units still get spread across batches.
type balancedScheduler struct {
	baseCost int
}

// Create a new balanced scheduler instance.
func BalancedScheduler(baseCost int) Scheduler {
	return balancedScheduler{baseCost: max(0, baseCost)}
}

func (sch balancedScheduler) Schedule(weights []int, parts int) []Batch {
	n := len(weights)
	if n == 0 {
		return nil
	}
	parts = max(1, min(parts, n))

	var total int64
	for _, w := range weights {
		total += int64(w + sch.baseCost)
	}
	if total == 0 {
		return naiveScheduler{}.Schedule(weights, parts)
	}

	batches := make([]Batch, 0, parts)
	var acc int64
	start := 0
	for i, w := range weights {
		acc += int64(w + sch.baseCost)
		if len(batches) < parts-1 && acc*int64(parts) >= total*int64(len(batches)+1) {
			batches = append(batches, Batch{Start: start, End: i + 1})
			start = i + 1
		}
	}
	if start < n {
		batches = append(batches, Batch{Start: start, End: n})
	}
	return batches
}
