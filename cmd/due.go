package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/schedule"
)

func newDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "List targets the scheduler would enqueue now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(st monitor.Store) error {
				active, err := st.ListActiveTargets(cmd.Context())
				if err != nil {
					return fmt.Errorf("list active targets: %w", err)
				}
				now := time.Now().UTC()
				due := make([]monitor.Target, 0, len(active))
				for _, t := range active {
					if schedule.IsDue(t, now) {
						due = append(due, t)
					}
				}
				return printTargets(cmd, due)
			})
		},
	}
}
