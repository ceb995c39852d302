package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/device"
)

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio inputs of the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := device.Open(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			return listDevices(cmd.Context(), backend.Capture, inputDevice(a.cfg, backend), cmd.OutOrStdout())
		},
	}
}

func listDevices(ctx context.Context, c audio.Capture, selected string, out io.Writer) error {
	list, err := c.Devices(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no input devices found")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tDEVICE\tLABEL")
	for _, d := range list {
		mark := ""
		if d.DeviceID == selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, d.DeviceID, d.Label)
	}
	return tw.Flush()
}
