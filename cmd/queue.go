package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/queue"
	"github.com/homenest/nous/internal/store"
)

var (
	queueChannel string
	queueNumber  int
	queueLeadIDs []string
	queueAll     bool
	queueSource  string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Build and manage outreach queues",
}

// queueTarget validates the --channel and --queue flags.
func queueTarget() (model.Channel, int, error) {
	ch, err := model.ParseChannel(queueChannel)
	if err != nil {
		return "", 0, err
	}
	n := queueNumber
	if n == 0 {
		n = cfg.Queue.DefaultNumber
	}
	if n < 1 {
		return "", 0, model.Validationf("queue number must be >= 1, got %d", n)
	}
	return ch, n, nil
}

var queueBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Project leads into a call or email queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ch, n, err := queueTarget()
		if err != nil {
			return err
		}
		if !queueAll && len(queueLeadIDs) == 0 {
			return model.Validationf("select leads with --lead or --all")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids := queueLeadIDs
		if queueAll {
			ids, err = st.ListLeadIDs(ctx, store.LeadFilter{Source: queueSource})
			if err != nil {
				return err
			}
		}

		res, err := queue.NewBuilder(st).Build(ctx, ch, ids, n)
		if err != nil {
			return err
		}
		zap.L().Info("queue built",
			zap.String("channel", string(ch)),
			zap.Int("queue_number", n),
			zap.Int("added", res.Added),
		)
		return printJSON(cmd, res)
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a queue's state, counts and items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ch, n, err := queueTarget()
		if err != nil {
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
		view, err := d.Status(ctx, ch, n)
		if err != nil {
			return err
		}
		return printJSON(cmd, view)
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every item of an idle queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ch, n, err := queueTarget()
		if err != nil {
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
		deleted, err := d.Clear(ctx, ch, n)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]int{"deleted": deleted})
	},
}

func queueFlagCmd(use, short string, paused bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ch, n, err := queueTarget()
			if err != nil {
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
			if paused {
				return d.Pause(ctx, ch, n)
			}
			return d.Resume(ctx, ch, n)
		},
	}
}

var (
	queuePauseCmd  = queueFlagCmd("pause", "Stop queued items from being dispatched", true)
	queueResumeCmd = queueFlagCmd("resume", "Allow a paused queue to dispatch again", false)
)

func init() {
	for _, c := range []*cobra.Command{queueBuildCmd, queueShowCmd, queueClearCmd, queuePauseCmd, queueResumeCmd} {
		c.Flags().StringVar(&queueChannel, "channel", "call", "call or email")
		c.Flags().IntVar(&queueNumber, "queue", 0, "queue number (default from config)")
	}
	queueBuildCmd.Flags().StringSliceVar(&queueLeadIDs, "lead", nil, "lead id to project (repeatable)")
	queueBuildCmd.Flags().BoolVar(&queueAll, "all", false, "project every lead")
	queueBuildCmd.Flags().StringVar(&queueSource, "source", "", "with --all, only leads from this source")

	queueCmd.AddCommand(queueBuildCmd, queueShowCmd, queueClearCmd, queuePauseCmd, queueResumeCmd)
	rootCmd.AddCommand(queueCmd)
}
