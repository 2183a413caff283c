package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	paidaction "github.com/satsflow/paidaction"
	"github.com/satsflow/paidaction/logger"
	"github.com/satsflow/paidaction/tipbuffer"
)

var (
	tipTaps      int
	tipInterval  time.Duration
	tipUseWallet bool
	tipUndo      bool
)

var tipCmd = &cobra.Command{
	Use:   "tip [item]",
	Short: "Tap tips on an item and settle them as one payment",
	Long: `Tap the tip button on an item several times. Taps are applied to the
cache immediately and settle together after zap_debounce; large bursts wait
out undo_window first. --undo takes the burst back before it settles.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		who := actor(cfg)
		if who == nil {
			return errors.New("tipping needs an identity, set actor_id")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, tipUseWallet)
		if err != nil {
			return err
		}
		defer a.Close()

		buf := tipbuffer.New(a.executor, a.cache,
			tipbuffer.WithDebounce(cfg.ZapDebounce),
			tipbuffer.WithUndoWindow(cfg.UndoWindow),
			tipbuffer.WithUndoThreshold(cfg.UndoThreshold),
			tipbuffer.WithLogger(logger.Named("tips")))

		item := tipbuffer.Item{ID: args[0]}
		out := cmd.OutOrStdout()
		var total int64
		for i := 0; i < tipTaps; i++ {
			sats, err := buf.Tap(ctx, item, *who)
			if err != nil {
				return err
			}
			total += sats
			fmt.Fprintf(out, "tap %d: +%s\n", i+1, paidaction.FormatSats(sats))
			if i < tipTaps-1 {
				time.Sleep(tipInterval)
			}
		}

		if tipUndo {
			buf.Cancel()
			fmt.Fprintf(out, "undid %s\n", paidaction.FormatSats(total))
		} else {
			// once the debounce fired, Close waits out the undo window
			time.Sleep(settleDelay(cfg.ZapDebounce))
		}
		buf.Close()

		sats, _, err := paidaction.ReadInt64(ctx, a.cache, paidaction.ItemObject(item.ID), "sats")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "item %s now shows %s\n", item.ID, paidaction.FormatSats(sats))
		return nil
	},
}

// debounceSlack lets the debounce timer fire before Close flushes
const debounceSlack = 50 * time.Millisecond

func settleDelay(debounce time.Duration) time.Duration {
	return debounce + debounceSlack
}

func init() {
	tipCmd.Flags().IntVar(&tipTaps, "taps", 1, "number of taps")
	tipCmd.Flags().DurationVar(&tipInterval, "interval", 100*time.Millisecond, "time between taps")
	tipCmd.Flags().BoolVar(&tipUseWallet, "wallet", false, "pay with the stub wallet")
	tipCmd.Flags().BoolVar(&tipUndo, "undo", false, "undo the burst before it settles")
}
