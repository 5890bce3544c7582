package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/webme-commons/esindex/internal/output"
	"github.com/webme-commons/esindex/internal/source"
)

func newFollowCmd(flags *globalFlags) *cobra.Command {
	var fromEnd bool
	var poll time.Duration
	var metricsAddr string
	var stopFollower bool

	cmd := &cobra.Command{
		Use:   "follow <file>",
		Short: "Apply writes appended to a JSON lines file",
		Long: `Follow a JSON lines file and apply each new line as a write.

Each line is {"table": ..., "key": ..., "columns": {...}} or
{"table": ..., "key": ..., "delete": true}. The file may not exist yet.
Runs until interrupted; async queues are drained before exit.

When metrics.addr is set (or --metrics-addr is given) prometheus metrics
are served on /metrics while following.

Only one follower runs per data directory; --stop signals it to drain
and exit.`,
		Example: `  esindex follow writes.jsonl --metrics-addr :9464
  esindex follow --stop`,
		Args: func(cmd *cobra.Command, args []string) error {
			if stopFollower {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			pidFile := source.NewPIDFile(filepath.Join(filepath.Dir(cfg.Storage.Path), "follow.pid"))
			if stopFollower {
				pid, err := pidFile.Signal(syscall.SIGTERM)
				if err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("stopping follower (pid %d)", pid)
				return nil
			}
			if err := pidFile.Acquire(); err != nil {
				return err
			}
			defer func() { _ = pidFile.Release() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withRuntime(cmd, flags, func(ctx context.Context, r *runtime) error {
				addr := metricsAddr
				if addr == "" {
					addr = r.cfg.Metrics.Addr
				}
				if addr != "" {
					shutdown, err := r.serveMetrics(addr)
					if err != nil {
						return err
					}
					defer shutdown()
				}

				tailer := source.NewTailer(args[0], r.db, source.Options{
					PollInterval: poll,
					FromEnd:      fromEnd,
					Logger:       r.logger,
				})
				err := tailer.Run(ctx)
				st := tailer.Stats()
				output.New(cmd.OutOrStdout()).Successf("applied %d writes (%d invalid, %d failed) up to offset %d",
					st.Applied, st.Invalid, st.Failed, st.Offset)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&fromEnd, "from-end", false, "Skip lines already in the file")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "Re-read interval when no change is notified")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on this address")
	cmd.Flags().BoolVar(&stopFollower, "stop", false, "Stop the running follower")

	return cmd
}

// serveMetrics serves the runtime's registry on addr/metrics and returns a
// function that stops the server.
func (r *runtime) serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics_server_failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics_server_started", slog.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
