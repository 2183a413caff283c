package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satsflow/paidaction/config"
	"github.com/satsflow/paidaction/logger"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "paidaction",
	Short: "Paid action client for Lightning",
	Long: `Runs paid actions against a paid-action server: pays invoices with an
attached wallet or a copied payment request, buffers tips and keeps a
journal of every payment attempt.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("error loading configuration: %w", err)
		}
		return logger.Init(cfg.LogLevel, cfg.LogFile)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./paidaction.yaml)")
	rootCmd.AddCommand(serveStubCmd)
	rootCmd.AddCommand(payCmd)
	rootCmd.AddCommand(tipCmd)
	rootCmd.AddCommand(journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
