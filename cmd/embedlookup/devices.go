package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func devicesCommand(g *globals, opts appOptions) *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the platform and devices of the selected backend",
		Action: func(c *cli.Context) error {
			backend, err := newBackend(g.cfg, g.logger, opts.emulated)
			if err != nil {
				return exitError(err)
			}
			platform, err := backend.Platform()
			if err != nil {
				return exitError(err)
			}
			devices, err := backend.Devices()
			if err != nil {
				return exitError(err)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Backend: %s\n", backend.Name())
			fmt.Fprintf(w, "Platform: %s (%s)\n", platform.Name, platform.Vendor)
			fmt.Fprintf(w, "Found %d device(s)\n", len(devices))
			for _, d := range devices {
				fmt.Fprintf(w, "  [%d] %s, %d MiB, mode %s\n", d.ID, d.Name, d.GlobalMemory>>20, d.Mode)
			}
			return nil
		},
	}
}
