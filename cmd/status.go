package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe pipeline dependencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		report := env.Prober.Check(cmd.Context())
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if !report.Healthy {
			return fmt.Errorf("one or more dependencies unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
