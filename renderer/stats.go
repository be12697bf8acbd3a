package renderer

import (
	"time"

	"github.com/achilleasa/gsplat/device"
)

type StageStat struct {
	// The pipeline stage name.
	Name string

	// Wall time spent in the stage.
	Time time.Duration
}

type FrameStats struct {
	// Individual stage stats in execution order.
	Stages []StageStat

	// Kernel launches issued while rendering the frame.
	Kernels []device.KernelStat

	// Visible (camera, gaussian) pairs and tile intersections.
	Visible       int
	Intersections int

	// Total render time for the entire frame.
	RenderTime time.Duration
}

// stage runs fn and records its wall time under name.
func (s *FrameStats) stage(name string, fn func() error) error {
	tick := time.Now()
	err := fn()
	s.Stages = append(s.Stages, StageStat{Name: name, Time: time.Since(tick)})
	return err
}

// kernelDelta returns the launches recorded in after that are not part of
// before.
func kernelDelta(before, after []device.KernelStat) []device.KernelStat {
	prev := make(map[string]device.KernelStat, len(before))
	for _, st := range before {
		prev[st.Name] = st
	}
	var out []device.KernelStat
	for _, st := range after {
		p := prev[st.Name]
		if st.Launches == p.Launches {
			continue
		}
		out = append(out, device.KernelStat{
			Name:     st.Name,
			Launches: st.Launches - p.Launches,
			Time:     st.Time - p.Time,
		})
	}
	return out
}
