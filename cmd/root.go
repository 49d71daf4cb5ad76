package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearscript-health/rxscan/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rxscan",
	Short: "Handwritten prescription digitization pipeline",
	Long:  "Turns prescription photographs into validated structured records: vision extraction via tiered Claude models, drug grounding against the vocabulary store, hallucination screening, optional translation.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
