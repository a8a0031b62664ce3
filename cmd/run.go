package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wetland-drill/internal/dispatch"
	"github.com/sells-group/wetland-drill/internal/drill"
	"github.com/sells-group/wetland-drill/internal/monitoring"
	"github.com/sells-group/wetland-drill/internal/raster"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drill a work plan over an artifact",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		planPath, _ := cmd.Flags().GetString("plan")
		artifactPath, _ := cmd.Flags().GetString("artifact")
		reset, _ := cmd.Flags().GetBool("reset")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if cmd.Flags().Changed("aggregate-days") {
			cfg.Drill.AggregateDays, _ = cmd.Flags().GetInt("aggregate-days")
		}

		if err := cfg.Validate("run"); err != nil {
			return err
		}
		plan, err := drill.LoadPlan(planPath)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := prometheus.NewRegistry()
		metrics, err := monitoring.NewMetrics(reg)
		if err != nil {
			return err
		}
		if metricsAddr != "" {
			shutdown := serveMetrics(metricsAddr, reg)
			defer shutdown()
		}

		run, err := drill.Run(ctx, st, plan, drill.RunOptions{
			Artifact: artifactPath,
			Workers:  cfg.Drill.Workers,
			Reset:    reset,
			Kernel:   raster.ZonalStats{WetThreshold: float32(cfg.Drill.WetThreshold)},
			Metrics:  metrics,
			Dispatch: dispatch.Options{
				AggregateDays:    cfg.Drill.AggregateDays,
				TimeChunk:        cfg.Drill.TimeChunk,
				KernelThreads:    cfg.Drill.KernelThreads,
				MaxTileSide:      cfg.Drill.MaxTileSide,
				WriteConcurrency: cfg.Drill.WriteConcurrency,
				MinValidFraction: cfg.Drill.MinValidFraction,
			},
		})
		if err != nil {
			return eris.Wrap(err, "run")
		}
		if run == nil {
			zap.L().Info("nothing to drill", zap.String("plan", planPath))
		}
		return nil
	},
}

// serveMetrics exposes reg on addr for the duration of a run.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("metrics listener failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	runCmd.Flags().String("plan", "plan.yaml", "work plan written by wit plan")
	runCmd.Flags().String("artifact", "", "artifact descriptor (default from the plan)")
	runCmd.Flags().Int("aggregate-days", 0, "aggregation window width in days (0 = every time step)")
	runCmd.Flags().Bool("reset", false, "resume from the earliest checkpoint instead of the latest")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(runCmd)
}
