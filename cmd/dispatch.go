package main

import (
	"github.com/spf13/cobra"

	"github.com/homenest/nous/internal/model"
)

var dispatchScenario string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send queues to the telephony agent or the email workflow",
}

var dispatchStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start dispatching a queue with a scenario",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ch, n, err := queueTarget()
		if err != nil {
			return err
		}
		mode := "dispatch-call"
		if ch == model.ChannelEmail {
			mode = "dispatch-email"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		d, err := initDispatcher(st, nil)
		if err != nil {
			return err
		}
		if ch == model.ChannelEmail {
			res, err := d.StartEmailSend(ctx, n, dispatchScenario)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}
		res, err := d.StartCalling(ctx, n, dispatchScenario)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var dispatchSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Poll call outcomes for items still calling",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		d, err := initDispatcher(st, nil)
		if err != nil {
			return err
		}
		res, err := d.SyncCallStatuses(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var dispatchRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Put due failed items back into their queues",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		d, err := initDispatcher(st, nil)
		if err != nil {
			return err
		}
		res, err := d.SweepRetries(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	dispatchStartCmd.Flags().StringVar(&queueChannel, "channel", "call", "call or email")
	dispatchStartCmd.Flags().IntVar(&queueNumber, "queue", 0, "queue number (default from config)")
	dispatchStartCmd.Flags().StringVar(&dispatchScenario, "scenario", "", "scenario key from the catalog")

	dispatchCmd.AddCommand(dispatchStartCmd, dispatchSyncCmd, dispatchRetryCmd)
	rootCmd.AddCommand(dispatchCmd)
}
