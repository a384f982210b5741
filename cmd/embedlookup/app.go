package main

import (
	"errors"
	"io"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
	"github.com/fxnlabs/embedding-lookup/internal/config"
	"github.com/fxnlabs/embedding-lookup/internal/logger"
	"github.com/fxnlabs/embedding-lookup/internal/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// Process exit codes
const (
	exitPass        = 0
	exitFail        = 1
	exitFatal       = 2
	exitDeviceCount = 255
)

type appOptions struct {
	stdout io.Writer
	stderr io.Writer
	// emulated is appended to the options of an emulated backend
	emulated []accel.EmulatedOption
}

// globals holds what Before resolves for every command.
type globals struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newApp(opts appOptions) *cli.App {
	g := &globals{}

	app := &cli.App{
		Name:      "embedlookup",
		Usage:     "Run and verify the two-stage accelerator embedding lookup",
		Writer:    opts.stdout,
		ErrWriter: opts.stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a yaml config file",
				EnvVars: []string{"EMBEDLOOKUP_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Accelerator backend (auto, emulated, occa)",
			},
		},
		Before: func(c *cli.Context) error {
			cfg := config.Default()
			if path := c.String("config"); path != "" {
				var err error
				if cfg, err = config.LoadConfig(path); err != nil {
					return cli.Exit(err.Error(), exitFatal)
				}
			}
			if c.IsSet("verbosity") {
				cfg.Logger.Verbosity = c.String("verbosity")
			}
			if c.IsSet("backend") {
				cfg.Device.Backend = c.String("backend")
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(err.Error(), exitFatal)
			}

			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return cli.Exit(err.Error(), exitFatal)
			}
			g.cfg = cfg
			g.logger = zapLogger.Named("embedlookup")
			return nil
		},
		After: func(c *cli.Context) error {
			if g.logger != nil {
				_ = g.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(g, opts),
			devicesCommand(g, opts),
			initCommand(),
		},
		DefaultCommand: "run",
	}
	return app
}

func newBackend(cfg *config.Config, log *zap.Logger, extra []accel.EmulatedOption) (accel.Backend, error) {
	emulated := []accel.EmulatedOption{accel.WithMemoryLimit(cfg.Device.MemoryLimitBytes)}
	if cfg.Device.Platform != "" {
		emulated = append(emulated, accel.WithPlatformName(cfg.Device.Platform))
	}
	return accel.NewBackend(accel.Options{
		Kind:           cfg.Device.Backend,
		OCCAProperties: cfg.Device.Properties,
		Emulated:       append(emulated, extra...),
	}, log.Named("accel"))
}

// exitError maps a fatal error to its process exit code.
func exitError(err error) error {
	var countErr *session.DeviceCountError
	if errors.As(err, &countErr) {
		return cli.Exit(err.Error(), exitDeviceCount)
	}
	return cli.Exit(err.Error(), exitFatal)
}
