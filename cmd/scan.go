package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/alert"
	"github.com/JakeFAU/meerkat/internal/pipeline"
)

func newScanCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "scan <target-id>",
		Short: "Run the pipeline once for a target",
		Long: `Runs fingerprint, capture and analysis for one target in the foreground
and dispatches the alert when the resulting report is notable. --force skips
the change gate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "capture and analyze even when the fingerprint is unchanged")
	return cmd
}

type scanOutput struct {
	pipeline.Result
	Alert alert.Outcome `json:"alert,omitempty"`
	Error string        `json:"error,omitempty"`
}

func runScan(cmd *cobra.Command, rawID string, force bool) error {
	targetID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || targetID <= 0 {
		return fmt.Errorf("invalid target id %q", rawID)
	}
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer a.Close(cmd.Context())

	res, runErr := a.Pipeline().Run(cmd.Context(), targetID, force)
	out := scanOutput{Result: res}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if res.ScanID != 0 {
		outcome, err := a.Alerts().DispatchWithRetry(cmd.Context(), res.ScanID)
		if err != nil {
			a.Logger().Warn("alert dispatch failed", zap.Int64("scan_id", res.ScanID), zap.Error(err))
		}
		out.Alert = outcome
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("scan target %d: %w", targetID, runErr)
	}
	return nil
}
