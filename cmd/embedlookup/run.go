package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
	"github.com/fxnlabs/embedding-lookup/internal/config"
	"github.com/fxnlabs/embedding-lookup/internal/embedding"
	"github.com/fxnlabs/embedding-lookup/internal/memory"
	"github.com/fxnlabs/embedding-lookup/internal/metrics"
	"github.com/fxnlabs/embedding-lookup/internal/pipeline"
	"github.com/fxnlabs/embedding-lookup/internal/reference"
	"github.com/fxnlabs/embedding-lookup/internal/report"
	"github.com/fxnlabs/embedding-lookup/internal/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// console is the user-facing progress output, separate from the logs.
type console struct {
	w io.Writer
}

func (c *console) Println(a ...any) {
	fmt.Fprintln(c.w, a...)
}

func (c *console) Printf(format string, a ...any) {
	fmt.Fprintf(c.w, format, a...)
}

func runCommand(g *globals, opts appOptions) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the lookup pipeline once and verify it against the reference",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "seed", Usage: "Seed of the random table"},
			&cli.StringFlag{Name: "fill", Usage: "Table contents (random, ones)"},
			&cli.StringFlag{Name: "report", Usage: "Write a JSON run report to this path"},
			&cli.StringFlag{Name: "metrics-address", Usage: "Serve prometheus metrics on this address while running"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Do not print the banner"},
		},
		Action: func(c *cli.Context) error {
			cfg := g.cfg
			if c.IsSet("seed") {
				cfg.Workload.Seed = c.Int64("seed")
			}
			if c.IsSet("fill") {
				cfg.Workload.Fill = c.String("fill")
			}
			if c.IsSet("report") {
				cfg.Report.Path = c.String("report")
			}
			if c.IsSet("metrics-address") {
				cfg.Metrics.ListenAddress = c.String("metrics-address")
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(err.Error(), exitFatal)
			}

			out := &console{w: c.App.Writer}
			if !c.Bool("quiet") {
				printBanner(out.w)
			}
			return runPipeline(c.Context, cfg, g.logger, out, opts.emulated)
		},
	}
}

// runPipeline wires the run through fx so the session is closed by the
// lifecycle on every path once it has been opened.
func runPipeline(ctx context.Context, cfg *config.Config, log *zap.Logger, out *console, emulated []accel.EmulatedOption) error {
	var (
		backend accel.Backend
		orch    *pipeline.Orchestrator
		sess    *session.AcceleratorSession
	)

	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, log, out),
		fx.Provide(
			func(cfg *config.Config, log *zap.Logger) (accel.Backend, error) {
				return newBackend(cfg, log, emulated)
			},
			func(log *zap.Logger) *pipeline.Orchestrator {
				return pipeline.New(log.Named("pipeline"))
			},
			newSession,
		),
		fx.Populate(&backend, &orch, &sess),
		fx.Invoke(serveMetrics),
	)
	if err := app.Err(); err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return exitError(err)
	}
	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start", zap.Error(err))
		return exitError(err)
	}

	result, runErr := execute(cfg, log, out, backend, orch, sess)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if runErr != nil {
		log.Error("Run failed", zap.Error(runErr))
		return exitError(runErr)
	}
	if !result {
		return cli.Exit("", exitFail)
	}
	return nil
}

func newSession(lc fx.Lifecycle, backend accel.Backend, log *zap.Logger, out *console) (*session.AcceleratorSession, error) {
	out.Println("Initializing accelerator")
	sess, err := session.Open(backend, session.Options{
		Logger: log.Named("session"),
		Memory: memory.NewManager(log.Named("memory")),
	})
	if err != nil {
		var countErr *session.DeviceCountError
		if errors.As(err, &countErr) {
			out.Printf("Found %d devices, expected exactly 1\n", countErr.Count)
		}
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sess.Close()
		},
	})

	out.Printf("Platform: %s\n", sess.Platform.Name)
	out.Printf("Found %d device(s)\n", sess.DeviceCount)
	out.Printf("Device: %s\n", sess.Device.Name)
	out.Printf("Loaded binary: %s\n", sess.Program.Name())
	out.Println("finished creating buffers.")
	return sess, nil
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			log.Info("Serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func workload(cfg *config.Config, l embedding.Layout) embedding.Table {
	if cfg.Workload.Fill == config.FillOnes {
		return embedding.FillTable(l, 1)
	}
	return embedding.RandomTable(l, cfg.Workload.Seed)
}

// execute runs the pipeline once and prints the outcome. It reports whether
// verification passed.
func execute(cfg *config.Config, log *zap.Logger, out *console, backend accel.Backend, orch *pipeline.Orchestrator, sess *session.AcceleratorSession) (bool, error) {
	rep := report.New(backend.Name(), sess.Platform, sess.Device)
	rep.Indices = embedding.DefaultIndices
	log = log.With(zap.String("run", rep.RunID))

	table := workload(cfg, sess.Layout)
	expected, err := reference.Compute(sess.Layout, table, embedding.DefaultIndices)
	if err != nil {
		return false, fmt.Errorf("reference: %w", err)
	}
	dense, err := reference.ComputeDense(sess.Layout, table, embedding.DefaultIndices)
	if err != nil {
		return false, fmt.Errorf("reference: %w", err)
	}
	for i := range expected {
		if expected[i] != dense[i] {
			return false, fmt.Errorf("reference models disagree at index %d: %d != %d", i, expected[i], dense[i])
		}
	}
	out.Println("finished computing sw results.")

	res, err := orch.Run(sess, table)
	if err != nil {
		return false, err
	}
	out.Printf("Time: %0.3f ms\n", float64(res.Wall)/float64(time.Millisecond))
	out.Printf("Kernel time: %0.3f ms\n", float64(res.Kernel)/float64(time.Millisecond))

	v := orch.Check(res, expected)
	if !v.Pass {
		out.Println(v.Detail())
	}
	out.Printf("Verification: %s\n", v)

	rep.SetOutcome(res.Wall, res.Kernel, res.Output, expected, v)
	if cfg.Report.Path != "" {
		if err := rep.Write(cfg.Report.Path); err != nil {
			return v.Pass, err
		}
		log.Info("Report written", zap.String("path", cfg.Report.Path))
	}
	return v.Pass, nil
}
