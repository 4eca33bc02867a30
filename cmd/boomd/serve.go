package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/logging"
)

func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery core and its ops API",
		Long: `Run the delivery core: the proxy health loop, the rate limiter sweeps
and the ops HTTP API used to submit lifecycle events.

Examples:
  boomd serve --config boom.yaml
  BOOM_WEBHOOK_VIA_PROXY=true boomd serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger := logging.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(logger)

			a, err := newApp(cfg, logger, clock.Real{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "ops API listen address (overrides server.addr)")
	return cmd
}
