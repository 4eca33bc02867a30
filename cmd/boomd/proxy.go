package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/proxypool"
)

func proxyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Proxy pool tools",
	}
	cmd.AddCommand(proxyCheckCmd(configPath))
	return cmd
}

func proxyCheckCmd(configPath *string) *cobra.Command {
	var (
		timeout  time.Duration
		probeURL string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Probe every endpoint in a proxy list once and report the results",
		Long: `Probe every endpoint once. The list is a YAML file or a text file with one
proxy per line (host:port, host:port:user:pass, user:pass@host:port or a URL).
Without a file argument proxy.file from the configuration is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Proxy.File = args[0]
			}
			if cfg.Proxy.File == "" {
				return errors.New("no proxy file given and proxy.file is not configured")
			}
			if timeout > 0 {
				cfg.Proxy.ProbeTimeout = timeout
			}
			if probeURL != "" {
				cfg.Proxy.ProbeURL = probeURL
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError}))
			pool, err := newPool(cfg, logger, clock.Real{})
			if err != nil {
				return err
			}

			results := pool.RunHealthProbe(cmd.Context())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			writeProbeTable(cmd.OutOrStdout(), results)

			healthy := 0
			for _, r := range results {
				if r.Healthy {
					healthy++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d/%d healthy\n", healthy, len(results))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-probe timeout (overrides proxy.probe_timeout)")
	cmd.Flags().StringVar(&probeURL, "url", "", "URL requested through each proxy (overrides proxy.probe_url)")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func writeProbeTable(w io.Writer, results []proxypool.ProbeResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROXY\tSTATUS\tLATENCY\tERROR")
	for _, r := range results {
		status := "down"
		if r.Healthy {
			status = "up"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ProxyID, status, r.Duration.Round(time.Millisecond), r.Error)
	}
	tw.Flush()
}
