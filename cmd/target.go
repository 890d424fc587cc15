package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/meerkat/internal/monitor"
)

func newTargetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage monitored pages",
	}
	cmd.AddCommand(newTargetAddCmd())
	cmd.AddCommand(newTargetStatusCmd("pause", "Stop scheduling a target", monitor.TargetPaused))
	cmd.AddCommand(newTargetStatusCmd("resume", "Resume scheduling a target", monitor.TargetActive))
	cmd.AddCommand(newTargetListCmd())
	return cmd
}

func newTargetAddCmd() *cobra.Command {
	var (
		name     string
		url      string
		interval int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a page to monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := monitor.Target{
				Name:            strings.TrimSpace(name),
				URL:             strings.TrimSpace(url),
				IntervalMinutes: interval,
				Status:          monitor.TargetActive,
				CreatedAt:       time.Now().UTC(),
			}
			if err := target.Validate(); err != nil {
				return err
			}
			return withStore(cmd, func(st monitor.Store) error {
				created, err := st.CreateTarget(cmd.Context(), target)
				if err != nil {
					return fmt.Errorf("create target: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added target %d (%s)\n", created.ID, created.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name used in alerts")
	cmd.Flags().StringVar(&url, "url", "", "page URL")
	cmd.Flags().IntVar(&interval, "interval", monitor.DefaultIntervalMinutes, "polling interval in minutes (5, 15, 30 or 60)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newTargetStatusCmd(use, short string, status monitor.TargetStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <target-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid target id %q", args[0])
			}
			return withStore(cmd, func(st monitor.Store) error {
				target, err := st.GetTarget(cmd.Context(), id)
				if err != nil {
					if errors.Is(err, monitor.ErrNotFound) {
						return fmt.Errorf("target %d not found", id)
					}
					return fmt.Errorf("get target: %w", err)
				}
				target.Status = status
				if err := st.SaveTarget(cmd.Context(), target); err != nil {
					return fmt.Errorf("save target: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "target %d is now %s\n", id, status)
				return nil
			})
		},
	}
}

func newTargetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List monitored pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(st monitor.Store) error {
				targets, err := st.ListTargets(cmd.Context())
				if err != nil {
					return fmt.Errorf("list targets: %w", err)
				}
				return printTargets(cmd, targets)
			})
		},
	}
}

func printTargets(cmd *cobra.Command, targets []monitor.Target) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tINTERVAL\tLAST SCAN\tURL")
	for _, t := range targets {
		last := "never"
		if t.LastScanAt != nil {
			last = t.LastScanAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%dm\t%s\t%s\n", t.ID, t.Name, t.Status, t.IntervalMinutes, last, t.URL)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write targets: %w", err)
	}
	return nil
}
