package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satsflow/paidaction/logger"
	"github.com/satsflow/paidaction/stub"
)

var stubCredits []string

var serveStubCmd = &cobra.Command{
	Use:   "serve-stub",
	Short: "Run an in-memory paid-action server",
	Long: `Run an in-memory paid-action server for local development. Invoices
are settled through its payer route, which the stub wallet uses.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger := stub.NewLedger(cfg.StubHmacSecret)
		for _, credit := range stubCredits {
			actor, sats, err := parseCredit(credit)
			if err != nil {
				return err
			}
			ledger.Credit(actor, sats)
			logger.Info("credited actor", zap.String("actor", actor), zap.Int64("sats", sats))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := stub.NewServer(ledger, stub.WithAPIKey(cfg.APIKey), stub.WithLogger(logger.Named("stub")))
		return server.Serve(ctx, cfg.StubAddr)
	},
}

func init() {
	serveStubCmd.Flags().StringSliceVar(&stubCredits, "credit", nil, "custodial balance as actor=sats (repeatable)")
}

func parseCredit(s string) (string, int64, error) {
	actor, amount, ok := strings.Cut(s, "=")
	if !ok || actor == "" {
		return "", 0, fmt.Errorf("invalid credit %q, expected actor=sats", s)
	}
	sats, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || sats <= 0 {
		return "", 0, fmt.Errorf("invalid credit amount in %q", s)
	}
	return actor, sats, nil
}
