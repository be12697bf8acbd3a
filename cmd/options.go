package cmd

import (
	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/renderer"
	"github.com/urfave/cli"
)

// loadOptions reads the renderer options from the --config file, if one is
// given, and applies any command flags on top.
func loadOptions(ctx *cli.Context) (renderer.Options, error) {
	opts := renderer.DefaultOptions()
	if path := ctx.GlobalString("config"); path != "" {
		var err error
		if opts, err = renderer.LoadOptions(path); err != nil {
			return opts, err
		}
		logger.Infof("loaded options from %s", path)
	}

	if ctx.IsSet("mode") {
		if err := opts.Mode.UnmarshalText([]byte(ctx.String("mode"))); err != nil {
			return opts, err
		}
	}
	if ctx.IsSet("tile-size") {
		opts.TileSize = ctx.Int("tile-size")
	}
	if ctx.IsSet("workers") {
		opts.Workers = ctx.Int("workers")
	}
	if ctx.IsSet("scheduler") {
		opts.Scheduler = ctx.String("scheduler")
	}
	for _, flag := range []struct {
		name string
		dst  *bool
	}{
		{"packed", &opts.Packed},
		{"geometry", &opts.Geometry},
		{"antialiased", &opts.AntiAliased},
		{"sparse-grad", &opts.SparseGrad},
	} {
		if ctx.IsSet(flag.name) {
			*flag.dst = ctx.Bool(flag.name)
		}
	}
	return opts, opts.Validate()
}

// OptionFlags returns the flags shared by the commands that run the renderer.
func OptionFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "mode",
			Value: "classic",
			Usage: "compositing mode (classic or raytrace)",
		},
		cli.IntFlag{
			Name:  "tile-size",
			Value: 16,
			Usage: "tile edge in pixels",
		},
		cli.IntFlag{
			Name:  "workers",
			Usage: "number of device workers; 0 uses all CPUs",
		},
		cli.StringFlag{
			Name:  "scheduler",
			Value: "balanced",
			Usage: "tile scheduler (balanced or naive)",
		},
		cli.BoolFlag{
			Name:  "packed",
			Usage: "project into packed rows of visible gaussians",
		},
		cli.BoolFlag{
			Name:  "geometry",
			Usage: "render depth and normal maps",
		},
		cli.BoolFlag{
			Name:  "antialiased",
			Usage: "scale opacities by the anti-aliasing compensation",
		},
		cli.BoolFlag{
			Name:  "sparse-grad",
			Usage: "return sparse per-gaussian gradients",
		},
	}
}

func newRenderer(opts renderer.Options) (*renderer.Renderer, error) {
	dev := device.New("cpu", opts.Workers)
	logger.Infof("using device %q with %d workers", dev.Name, dev.Workers)
	return renderer.New(dev, opts)
}
