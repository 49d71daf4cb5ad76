package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clearscript-health/rxscan/internal/pipeline"
)

var processTranslateTo string

var processCmd = &cobra.Command{
	Use:   "process <image>",
	Short: "Run one prescription photo through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		image, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read image")
		}

		rec, err := env.Pipeline.Process(ctx, pipeline.ProcessRequest{
			Image:       image,
			MediaType:   mediaTypeFor(args[0]),
			TranslateTo: translateTarget(processTranslateTo),
		})
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal record")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	processCmd.Flags().StringVar(&processTranslateTo, "translate", "", "BCP 47 target language for the translated view")
	rootCmd.AddCommand(processCmd)
}

// translateTarget falls back to the configured default language when no
// --translate flag was given.
func translateTarget(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Pipeline.DefaultTranslateTo
}

// mediaTypeFor maps an image file extension to its MIME type.
func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
