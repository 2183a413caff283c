package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	paidaction "github.com/satsflow/paidaction"
)

var (
	payAction    string
	payUseWallet bool
	payWait      bool
	payFail      string
)

var payCmd = &cobra.Command{
	Use:   "pay [sats]",
	Short: "Run a paid action and settle its invoice",
	Long: `Run a paid action costing the given amount. Identified actors
(actor_id) are settled optimistically unless --wait is set; anonymous
callers pay before the action completes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sats, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || sats <= 0 {
			return fmt.Errorf("invalid amount %q", args[0])
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, payUseWallet)
		if err != nil {
			return err
		}
		defer a.Close()

		vars := map[string]interface{}{"sats": sats}
		if payFail != "" {
			vars["fail"] = payFail
		}
		op := paidaction.InvoiceStateMods(paidaction.Operation{
			Name:                payAction,
			Variables:           vars,
			Actor:               actor(cfg),
			ForceWaitForPayment: payWait,
		})

		res, err := a.executor.Do(ctx, op)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "call %s: %s\n", res.CallID, describe(res))

		if err := res.Wait(ctx); err != nil {
			fmt.Fprintf(out, "payment failed: %v\n", err)
			return nil
		}
		if res.Data.Invoice != nil {
			fmt.Fprintf(out, "paid invoice %s\n", res.Data.Invoice.Hash)
		}
		return nil
	},
}

func init() {
	payCmd.Flags().StringVar(&payAction, "action", "act", "paid action to run")
	payCmd.Flags().BoolVar(&payUseWallet, "wallet", false, "pay with the stub wallet")
	payCmd.Flags().BoolVar(&payWait, "wait", false, "wait for payment before applying the result")
	payCmd.Flags().StringVar(&payFail, "fail", "", "ask the stub server to fail the action with this reason")
}

func describe(res *paidaction.Result) string {
	switch {
	case res.Data.Invoice == nil:
		return "paid from credits"
	case res.Optimistic:
		return fmt.Sprintf("applied optimistically, settling %s", paidaction.FormatSats(res.Data.Invoice.SatsRequested))
	default:
		return fmt.Sprintf("settled %s before applying", paidaction.FormatSats(res.Data.Invoice.SatsRequested))
	}
}
