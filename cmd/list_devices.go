package cmd

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/achilleasa/gsplat/device"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// List available compute devices.
func ListDevices(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}

	devices := device.CPUDevices()

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("\nSystem provides %d device(s):\n\n", len(devices)))
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"#", "Name", "Type", "Workers", "Features"})
	for index, dev := range devices {
		table.Append([]string{
			fmt.Sprintf("%02d", index),
			dev.Name,
			dev.Type.String(),
			fmt.Sprintf("%d", dev.Workers),
			strings.Join(dev.Features, " "),
		})
	}
	table.Render()

	logger.Notice(buf.String())
	return nil
}
