package main

import (
	"fmt"
	"os"

	"github.com/achilleasa/gsplat/cmd"
	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "gsplat"
	app.Usage = "rasterize and differentiate 3D gaussian scenes"
	app.Version = "0.0.1"
	app.Flags = append(cmd.LoggingFlags(),
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load renderer options from a yaml or toml file or an http(s) URL",
		},
	)
	app.Commands = []cli.Command{
		{
			Name:  "render",
			Usage: "render a synthetic gaussian cloud",
			Description: `
Generate a random cloud of gaussians, render it from a ring of cameras looking
at the origin and write one PNG per camera.

The output filename is a printf pattern that receives the camera index.`,
			Flags: append(cmd.OptionFlags(),
				cli.IntFlag{
					Name:  "width",
					Value: 64,
					Usage: "frame width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: 64,
					Usage: "frame height",
				},
				cli.IntFlag{
					Name:  "count, n",
					Value: 2000,
					Usage: "number of gaussians",
				},
				cli.Int64Flag{
					Name:  "seed",
					Value: 1,
					Usage: "random seed for the synthetic scene",
				},
				cli.IntFlag{
					Name:  "cameras",
					Value: 4,
					Usage: "number of cameras",
				},
				cli.Float64Flag{
					Name:  "radius",
					Value: 4,
					Usage: "distance of the cameras from the origin",
				},
				cli.StringFlag{
					Name:  "camera",
					Value: "pinhole",
					Usage: "camera model (pinhole, ortho or fisheye)",
				},
				cli.StringFlag{
					Name:  "out, o",
					Value: "frame_%02d.png",
					Usage: "image filename pattern for the rendered frames",
				},
			),
			Action: cmd.RenderFrames,
		},
		{
			Name:  "gradcheck",
			Usage: "compare analytic gradients against finite differences",
			Description: `
Render a small synthetic scene, back-propagate a random linear loss and compare
the resulting scene gradients against central finite differences.

The command fails if any gradient element exceeds the tolerance.`,
			Flags: append(cmd.OptionFlags(),
				cli.IntFlag{
					Name:  "count, n",
					Value: 3,
					Usage: "number of gaussians",
				},
				cli.Int64Flag{
					Name:  "seed",
					Value: 1,
					Usage: "random seed for the synthetic scene",
				},
				cli.StringFlag{
					Name:  "camera",
					Value: "pinhole",
					Usage: "camera model (pinhole, ortho or fisheye)",
				},
				cli.Float64Flag{
					Name:  "eps",
					Value: 1e-3,
					Usage: "finite difference step",
				},
			),
			Action: cmd.GradCheck,
		},
		{
			Name:   "list-devices",
			Usage:  "list available compute devices",
			Action: cmd.ListDevices,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
