package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/capture"
	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/pipeline"
)

func newDecodeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <capture>",
		Short: "Decode an archived capture offline",
		Long: `decode reads a capture written by the archive (the .cfile.zst data file or
its .json sidecar) and runs it through analysis, demodulation, extraction and
validation. Records are marked as replays; no device is touched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, meta, err := capture.ReadArchived(args[0])
			if err != nil {
				return err
			}
			a.logger.Info("decoding archived capture",
				zap.String("job", meta.JobID),
				zap.String("band", meta.Band),
				zap.String("device", meta.Device),
				zap.Int("samples", meta.Samples))

			m := metrics.InitMetrics()
			emitter, err := a.outputs(cmd.Context(), m)
			if err != nil {
				return err
			}
			defer emitter.Close()

			// Decode never reaches the backend.
			p, err := pipeline.New(a.backend(), a.pipelineConfig(), emitter.Emit, a.logger, m)
			if err != nil {
				return err
			}
			report, err := p.Decode(cmd.Context(), c)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report.Summary())
		},
	}
}
