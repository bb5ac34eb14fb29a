package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/openfroyo/toscaflow/pkg/models"
)

func newMetricsCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics",
		Long: `Serve the Prometheus registry over HTTP until interrupted. Stored
execution counts are read from the store on every scrape.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				addr := a.cfg.Telemetry.Metrics.ListenAddress
				if listen != "" {
					addr = listen
				}
				path := a.cfg.Telemetry.Metrics.Path
				if path == "" {
					path = "/metrics"
				}

				if registry := a.tel.Metrics.Registry(); registry != nil {
					if err := registry.Register(newStoreCollector(ctx, a.store, a.cfg.Telemetry.Metrics.Namespace)); err != nil {
						return err
					}
				}

				mux := http.NewServeMux()
				mux.Handle(path, a.tel.Metrics.Handler())
				server := &http.Server{
					Addr:              addr,
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					errCh <- server.ListenAndServe()
				}()
				a.logger.Info().Str("addr", addr).Str("path", path).Msg("Serving metrics")

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")

	return cmd
}

// storeCollector reports stored executions by workflow and status.
type storeCollector struct {
	ctx        context.Context
	store      models.ExecutionStore
	executions *prometheus.Desc
}

func newStoreCollector(ctx context.Context, store models.ExecutionStore, namespace string) *storeCollector {
	return &storeCollector{
		ctx:   ctx,
		store: store,
		executions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "executions"),
			"Stored executions by workflow and status",
			[]string{"workflow", "status"}, nil,
		),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.executions
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	executions, err := c.store.ListExecutions(c.ctx, models.ExecutionFilter{})
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.executions, err)
		return
	}
	type key struct{ workflow, status string }
	counts := make(map[key]int)
	for _, e := range executions {
		counts[key{e.WorkflowName, string(e.Status)}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.executions, prometheus.GaugeValue, float64(n), k.workflow, k.status)
	}
}
