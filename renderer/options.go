package renderer

import (
	"context"
	"fmt"
	"strings"

	"github.com/achilleasa/gsplat/asset"
	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/projection"
	"github.com/achilleasa/gsplat/raster"
	"github.com/achilleasa/gsplat/tiles"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Mode selects the compositing kernel.
type Mode uint8

const (
	// Composite screen-space conics.
	Classic Mode = iota

	// Evaluate the peak density of camera-space quadratic forms along
	// every pixel ray.
	RayTrace
)

func (m Mode) String() string {
	switch m {
	case Classic:
		return "classic"
	case RayTrace:
		return "raytrace"
	}
	panic(fmt.Sprintf("renderer: unsupported mode %d", m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "classic", "":
		*m = Classic
	case "raytrace", "ray-trace":
		*m = RayTrace
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, text)
	}
	return nil
}

type Options struct {
	// Tile edge in pixels.
	TileSize int `yaml:"tile_size" toml:"tile_size"`

	Mode Mode `yaml:"mode" toml:"mode"`

	// Projection parameters.
	Eps2D      float32 `yaml:"eps2d" toml:"eps2d"`
	NearPlane  float32 `yaml:"near_plane" toml:"near_plane"`
	FarPlane   float32 `yaml:"far_plane" toml:"far_plane"`
	RadiusClip float32 `yaml:"radius_clip" toml:"radius_clip"`

	// Compositing thresholds.
	AlphaThreshold         float32 `yaml:"alpha_threshold" toml:"alpha_threshold"`
	TransmittanceThreshold float32 `yaml:"transmittance_threshold" toml:"transmittance_threshold"`
	MaxAlpha               float32 `yaml:"max_alpha" toml:"max_alpha"`
	MedianThreshold        float32 `yaml:"median_threshold" toml:"median_threshold"`

	// Project into packed rows of visible (camera, gaussian) pairs.
	Packed bool `yaml:"packed" toml:"packed"`

	// Return per-Gaussian gradients as COO rows.
	SparseGrad bool `yaml:"sparse_grad" toml:"sparse_grad"`

	// Accumulate absolute screen-space position gradients.
	AbsGrad bool `yaml:"absgrad" toml:"absgrad"`

	// Multiply opacities by the eps2d compensation factor.
	AntiAliased bool `yaml:"antialiased" toml:"antialiased"`

	// Render depth and normal maps.
	Geometry bool `yaml:"geometry" toml:"geometry"`

	// Compute view matrix gradients in the backward pass.
	ViewmatGrads bool `yaml:"viewmat_grads" toml:"viewmat_grads"`

	// Background color added behind every camera; empty for black.
	Background []float32 `yaml:"background" toml:"background"`

	// Work group partitioning: "balanced" or "naive".
	Scheduler string `yaml:"scheduler" toml:"scheduler"`

	// Device worker count; 0 uses every available CPU.
	Workers int `yaml:"workers" toml:"workers"`
}

// DefaultOptions returns the renderer defaults.
func DefaultOptions() Options {
	return Options{
		TileSize:               tiles.DefaultTileSize,
		Mode:                   Classic,
		Eps2D:                  projection.DefaultEps2D,
		NearPlane:              projection.DefaultNearPlane,
		FarPlane:               projection.DefaultFarPlane,
		RadiusClip:             projection.DefaultRadiusClip,
		AlphaThreshold:         raster.DefaultAlphaThreshold,
		TransmittanceThreshold: raster.DefaultTransmittanceThreshold,
		MaxAlpha:               raster.DefaultMaxAlpha,
		MedianThreshold:        raster.DefaultMedianThreshold,
		Scheduler:              "balanced",
	}
}

// LoadOptions reads options from a YAML or TOML document, selected by its
// extension. The location is either a local path or an http(s) URL. Fields
// missing from the document keep their default values.
func LoadOptions(location string) (Options, error) {
	opts := DefaultOptions()
	data, ext, err := asset.ReadAll(context.Background(), location)
	if err != nil {
		return opts, err
	}

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &opts)
	case ".toml":
		err = toml.Unmarshal(data, &opts)
	default:
		return opts, fmt.Errorf("%w: unsupported options file format %q", ErrInvalidOptions, ext)
	}
	if err != nil {
		return opts, fmt.Errorf("%w: %s: %v", ErrInvalidOptions, location, err)
	}
	return opts, opts.Validate()
}

// Validate checks the option values and their combinations.
func (o Options) Validate() error {
	if o.TileSize <= 0 {
		return fmt.Errorf("%w: tile size %d must be positive", ErrInvalidOptions, o.TileSize)
	}
	if o.Mode != Classic && o.Mode != RayTrace {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidOptions, o.Mode)
	}
	if o.Mode == RayTrace && (o.Geometry || o.AntiAliased || o.AbsGrad) {
		return fmt.Errorf("%w: ray trace mode does not support geometry outputs, anti-aliasing or absgrad", ErrInvalidOptions)
	}
	if _, err := o.scheduler(); err != nil {
		return err
	}
	if err := o.rasterOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if o.NearPlane >= o.FarPlane || o.Eps2D < 0 {
		return fmt.Errorf("%w: near plane %f, far plane %f, eps2d %f", ErrInvalidOptions, o.NearPlane, o.FarPlane, o.Eps2D)
	}
	return nil
}

func (o Options) scheduler() (device.Scheduler, error) {
	switch strings.ToLower(o.Scheduler) {
	case "balanced", "":
		return device.BalancedScheduler(1), nil
	case "naive":
		return device.NaiveScheduler(), nil
	}
	return nil, fmt.Errorf("%w: unknown scheduler %q", ErrInvalidOptions, o.Scheduler)
}

func (o Options) projectionOptions() projection.Options {
	return projection.Options{
		Eps2D:             o.Eps2D,
		NearPlane:         o.NearPlane,
		FarPlane:          o.FarPlane,
		RadiusClip:        o.RadiusClip,
		Packed:            o.Packed,
		CalcCompensations: o.AntiAliased,
		Geometry:          o.Geometry,
		ViewmatGrads:      o.ViewmatGrads,
	}
}

func (o Options) rasterOptions() raster.Options {
	sch, _ := o.scheduler()
	return raster.Options{
		AlphaThreshold:         o.AlphaThreshold,
		TransmittanceThreshold: o.TransmittanceThreshold,
		MaxAlpha:               o.MaxAlpha,
		MedianThreshold:        o.MedianThreshold,
		Geometry:               o.Geometry,
		AbsGrad:                o.AbsGrad,
		Scheduler:              sch,
	}
}

func (o Options) gradPolicy() projection.GradPolicy {
	if o.SparseGrad {
		return projection.SparseGrads
	}
	return projection.DenseGrads
}
