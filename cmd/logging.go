package cmd

import (
	"fmt"
	"strings"

	"github.com/achilleasa/gsplat/log"
	"github.com/urfave/cli"
)

var logger = log.New("gsplat")

// LoggingFlags returns the global flags read by setupLogging.
func LoggingFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "notice",
			Usage: "log level (debug, info, notice, warning or error)",
		},
		cli.StringSliceFlag{
			Name:  "log-module",
			Value: &cli.StringSlice{},
			Usage: "override the level of a single module as module=level",
		},
	}
}

// setupLogging applies --log-level and the per-module overrides. -v and -vv
// raise the global level to info and debug.
func setupLogging(ctx *cli.Context) error {
	level := log.Notice
	if name := ctx.GlobalString("log-level"); name != "" {
		var err error
		if level, err = log.ParseLevel(name); err != nil {
			return err
		}
	}
	switch {
	case ctx.GlobalBool("vv"):
		level = log.Debug
	case ctx.GlobalBool("v"):
		level = min(level, log.Info)
	}
	log.SetLevel(level)

	for _, override := range ctx.GlobalStringSlice("log-module") {
		module, name, ok := strings.Cut(override, "=")
		if !ok || module == "" {
			return fmt.Errorf("log-module: expected module=level; got %q", override)
		}
		moduleLevel, err := log.ParseLevel(name)
		if err != nil {
			return err
		}
		log.SetModuleLevel(module, moduleLevel)
	}
	return nil
}
