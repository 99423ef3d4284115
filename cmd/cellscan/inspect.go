package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shortontech/cellscan/internal/band"
	"github.com/shortontech/cellscan/internal/gate"
	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/radio"
)

func newDevicesCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Run the hardware gate once and print a verdict per device",
		RunE: func(cmd *cobra.Command, args []string) error {
			descs, err := a.cfg.Descriptors()
			if err != nil {
				return err
			}
			g := gate.New(a.backend(), a.cfg.CommandTimeout, a.logger.Named("gate"), metrics.InitMetrics())
			avail, err := g.CheckAll(cmd.Context(), uuid.NewString(), descs)
			if err != nil {
				return err
			}
			if err := printVerdicts(cmd.OutOrStdout(), avail.Verdicts(), asJSON); err != nil {
				return err
			}
			if len(avail.Available()) == 0 {
				return fmt.Errorf("no device available: %w", radio.ErrHardwareUnavailable)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print verdicts as JSON lines")
	return cmd
}

func printVerdicts(w io.Writer, verdicts []radio.Verdict, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, v := range verdicts {
			if err := enc.Encode(v); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tFAMILY\tAVAILABLE\tREASON")
	for _, v := range verdicts {
		reason := v.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", v.DeviceID, v.Family, v.Available, reason)
	}
	return tw.Flush()
}

func newBandsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bands",
		Short: "Print the band table used for channel numbering",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printBands(cmd.OutOrStdout(), band.SortedByFrequency())
		},
	}
}

func printBands(w io.Writer, ranges []band.SubRange) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BAND\tTECH\tDIR\tCHANNELS\tLOW_MHZ\tHIGH_MHZ\tSPACING_KHZ")
	for _, r := range ranges {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d-%d\t%.1f\t%.1f\t%.0f\n",
			r.Band, r.Technology, r.Direction, r.FirstChannel, r.LastChannel,
			r.LowHz()/1e6, r.HighHz()/1e6, r.SpacingHz/1e3)
	}
	return tw.Flush()
}
