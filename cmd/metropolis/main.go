// Command metropolis runs Metropolis-Hastings sampling jobs from a config
// file, or serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxorio/metropolis/pkg/config"
	"github.com/fluxorio/metropolis/pkg/model"
	"github.com/fluxorio/metropolis/pkg/observability/prometheus"
	"github.com/fluxorio/metropolis/pkg/run"
	"github.com/fluxorio/metropolis/pkg/server"
	"github.com/fluxorio/metropolis/pkg/tracelog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "metropolis",
		Short:        "Metropolis-Hastings MCMC sampler",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newServeCmd(), newConfigCmd(), newModelsCmd(), newTraceCmd())
	return root
}

type runFlags struct {
	config     string
	iterations int
	chains     int
	seed       uint64
	traceDir   string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sampler described by a config file and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRun(f.config)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("iterations") {
				cfg.Sampler.Iterations = f.iterations
			}
			if flags.Changed("chains") {
				cfg.Sampler.Chains = f.chains
			}
			if flags.Changed("seed") {
				cfg.Sampler.Seed = f.seed
			}
			if flags.Changed("trace-dir") {
				cfg.Output.TraceDir = f.traceDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := a.close(shutdownCtx); err != nil {
					a.logger.Warnf("shutdown: %v", err)
				}
			}()

			report, err := a.service.Run(ctx, cfg)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "run configuration (YAML or JSON)")
	cmd.Flags().IntVarP(&f.iterations, "iterations", "n", 0, "production iterations per chain")
	cmd.Flags().IntVar(&f.chains, "chains", 0, "number of independent chains")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "base seed; chain i uses seed+i")
	cmd.Flags().StringVar(&f.traceDir, "trace-dir", "", "write sample traces under this directory")
	return cmd
}

func newServeCmd() *cobra.Command {
	var (
		cfgPath string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRun(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}

			sc := server.DefaultConfig(cfg.Server.Addr)
			sc.JWTSecret = cfg.Server.JWTSecret
			if d, _ := cfg.Server.Timeout(); d > 0 {
				sc.RunTimeout = d
			}
			opts := []server.Option{server.WithBase(cfg)}
			if a.runs != nil {
				opts = append(opts, server.WithStore(a.runs))
			}
			if a.metrics == nil {
				a.metrics = prometheus.GetMetrics()
			}
			opts = append(opts, server.WithMetrics(a.metrics, prometheus.DefaultRegistry))
			srv := server.New(a.logger, a.service, sc, opts...)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				a.logger.Info("shutting down")
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			if cerr := a.close(shutdownCtx); cerr != nil && err == nil {
				err = cerr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "service configuration (YAML or JSON)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with run configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.Save(args[0], config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRun(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the registered models",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range model.NewRegistry().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newTraceCmd() *cobra.Command {
	var (
		from  uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "trace <dir>",
		Short: "Print samples recorded in a run's trace directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			tl, err := tracelog.Open(tracelog.DefaultConfig(args[0]))
			if err != nil {
				return err
			}
			defer tl.Close()
			samples, err := tl.Read(from, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "offset\tchain\titeration\taccepted\ttheta")
			for _, s := range samples {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%t\t%v\n", s.Offset, s.Chain, s.Iteration, s.Accepted, s.Theta)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first offset to print")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum samples to print")
	return cmd
}

func printReport(w io.Writer, r *run.Report) error {
	fmt.Fprintf(w, "run %s  model=%s  chains=%d  iterations=%d  samples=%d\n",
		r.ID, r.Model, r.Chains, r.Iterations, r.Samples)
	fmt.Fprintf(w, "acceptance %.3f  duration %s\n", r.AcceptanceRate, r.Duration.Round(time.Millisecond))
	if r.TraceDir != "" {
		fmt.Fprintf(w, "trace %s\n", r.TraceDir)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "param\tmean\tstd\tq16\tq50\tq84\tR-hat\tESS\t")
	for _, p := range r.Parameters {
		fmt.Fprintf(tw, "θ[%d]\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.3f\t%.0f\t\n",
			p.Index, p.Mean, p.StdDev, p.Q16, p.Q50, p.Q84, p.RHat, p.ESS)
	}
	return tw.Flush()
}
