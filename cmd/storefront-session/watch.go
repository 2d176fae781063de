package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvcrn/storefront-session/internal/poller"
	"github.com/spf13/cobra"
)

var watchOrderCmd = &cobra.Command{
	Use:   "watch-order <transaction-ref>",
	Short: "Poll an order until its payment is confirmed, fails or times out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		rt, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := rt.app.Poller.Start(ctx, args[0], poller.Options{Interval: interval, Timeout: timeout})
		updates, unsubscribe := s.Subscribe()
		defer unsubscribe()

		out := cmd.OutOrStdout()
		var last poller.Snapshot
		for snap := range updates {
			last = snap
			status := "-"
			if snap.Order != nil {
				status = snap.Order.Status
			}
			fmt.Fprintf(out, "[%s] %s (order status: %s, attempts: %d)\n", snap.State, snap.Message, status, snap.Attempts)
		}

		if last.Cancelled {
			return fmt.Errorf("interrupted")
		}
			return last.Err()
	},
}

func init() {
	watchOrderCmd.Flags().Duration("interval", 0, "Polling interval (default ORDER_POLL_INTERVAL)")
	watchOrderCmd.Flags().Duration("timeout", 0, "Give up after this long (default ORDER_POLL_TIMEOUT)")
	rootCmd.AddCommand(watchOrderCmd)
}
