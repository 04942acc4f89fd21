package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	envName   string
	configDir string
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "HeriTrust escrow ledger",
	Long: `HeriTrust escrow ledger: milestone-based fund release for heritage restoration projects.

Examples:
  # Run the HTTP API with the local config
  ledger serve --env=local

  # Apply database migrations
  ledger migrate --env=production

  # Mint a bearer token for a principal
  ledger token 0x0000000000000000000000000000000000000a11
`,
	SilenceUsage: true,
}

func init() {
	defaultEnv := os.Getenv("APP_ENV")
	if defaultEnv == "" {
		defaultEnv = "local"
	}
	rootCmd.PersistentFlags().StringVar(&envName, "env", defaultEnv, "Config environment (config/<env>.yaml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "Config directory")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), tokenCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
