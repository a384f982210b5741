package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/embedding-lookup/fixtures"
	"github.com/urfave/cli/v2"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a config file with the default settings",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "config.yaml", Usage: "Where to write the config"},
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("output")
			if !c.Bool("force") {
				if _, err := os.Stat(path); err == nil {
					return cli.Exit(fmt.Sprintf("%s already exists, use --force to overwrite", path), exitFatal)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return cli.Exit(err.Error(), exitFatal)
				}
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return cli.Exit(err.Error(), exitFatal)
			}
			fmt.Fprintf(c.App.Writer, "Wrote %s\n", path)
			return nil
		},
	}
}
