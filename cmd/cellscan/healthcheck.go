package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shortontech/cellscan/internal/metrics"
)

func newHealthcheckCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the metrics server's /healthz endpoint (for container health checks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = metrics.LoadConfig().Addr
			}
			return performHealthCheck(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "metrics server address (default METRICS_ADDR)")
	return cmd
}

// performHealthCheck expects 200 and "OK" from http://addr/healthz.
func performHealthCheck(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read health check response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "OK" {
		return fmt.Errorf("unexpected health check response: %q", body)
	}
	return nil
}
