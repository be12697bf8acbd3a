package raster

import (
	"fmt"

	"github.com/achilleasa/gsplat/device"
)

// Default compositing thresholds.
const (
	DefaultAlphaThreshold         = 1.0 / 255
	DefaultTransmittanceThreshold = 1e-4
	DefaultMaxAlpha               = 0.999
	DefaultMedianThreshold        = 0.5
)

type Options struct {
	// Contributions with an alpha below this value are skipped.
	AlphaThreshold float32

	// A pixel stops compositing once its transmittance would drop to or
	// below this value. The primitive that crosses it is not blended.
	TransmittanceThreshold float32

	// Per-primitive alpha is clamped to this value.
	MaxAlpha float32

	// The median depth is taken from the last primitive blended while the
	// transmittance was still above this value.
	MedianThreshold float32

	// Render expected depth, median depth and expected normal maps. Requires
	// the ray geometry outputs of the projection stage.
	Geometry bool

	// Record the accumulated blending weight of every primitive.
	RecordTransmittance bool

	// Accumulate the absolute screen-space position gradients in the
	// backward pass.
	AbsGrad bool

	// Partitions the tiles into work groups. Defaults to a scheduler that
	// balances groups by intersection count.
	Scheduler device.Scheduler
}

// DefaultOptions returns the compositing defaults.
func DefaultOptions() Options {
	return Options{
		AlphaThreshold:         DefaultAlphaThreshold,
		TransmittanceThreshold: DefaultTransmittanceThreshold,
		MaxAlpha:               DefaultMaxAlpha,
		MedianThreshold:        DefaultMedianThreshold,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.MaxAlpha <= 0 || o.MaxAlpha >= 1 {
		return fmt.Errorf("%w: max alpha %f must be in (0, 1)", ErrInvalidOptions, o.MaxAlpha)
	}
	if o.AlphaThreshold < 0 || o.AlphaThreshold > o.MaxAlpha {
		return fmt.Errorf("%w: alpha threshold %f must be in [0, %f]", ErrInvalidOptions, o.AlphaThreshold, o.MaxAlpha)
	}
	if o.TransmittanceThreshold < 0 || o.TransmittanceThreshold >= 1 {
		return fmt.Errorf("%w: transmittance threshold %f must be in [0, 1)", ErrInvalidOptions, o.TransmittanceThreshold)
	}
	if o.MedianThreshold < 0 || o.MedianThreshold >= 1 {
		return fmt.Errorf("%w: median threshold %f must be in [0, 1)", ErrInvalidOptions, o.MedianThreshold)
	}
	return nil
}

func (o Options) scheduler() device.Scheduler {
	if o.Scheduler != nil {
		return o.Scheduler
	}
	return device.BalancedScheduler(1)
}
