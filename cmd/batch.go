package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clearscript-health/rxscan/internal/model"
	"github.com/clearscript-health/rxscan/internal/pipeline"
)

var (
	batchTranslateTo string
	batchConcurrency int
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Process every prescription photo in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		images, err := listImages(args[0])
		if err != nil {
			return err
		}
		if len(images) == 0 {
			fmt.Println("no images found")
			return nil
		}

		concurrency := batchConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Batch.MaxConcurrent
		}

		bar := progressbar.Default(int64(len(images)), "processing")
		var completed, partial, failed atomic.Int64

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, path := range images {
			path := path
			g.Go(func() error {
				defer bar.Add(1)

				image, err := os.ReadFile(path)
				if err != nil {
					zap.L().Error("read image failed", zap.String("path", path), zap.Error(err))
					failed.Add(1)
					return nil
				}

				rec, err := env.Pipeline.Process(gctx, pipeline.ProcessRequest{
					Image:       image,
					MediaType:   mediaTypeFor(path),
					TranslateTo: translateTarget(batchTranslateTo),
				})
				if err != nil {
					zap.L().Error("pipeline failed", zap.String("path", path), zap.Error(err))
					failed.Add(1)
					return nil
				}

				switch rec.Status {
				case model.StatusCompleted:
					completed.Add(1)
				case model.StatusPartiallyCompleted:
					partial.Add(1)
				default:
					failed.Add(1)
				}
				zap.L().Info("processed",
					zap.String("path", path),
					zap.String("record_id", rec.ID),
					zap.String("status", string(rec.Status)),
				)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Printf("\n%d completed, %d partial, %d failed of %d\n",
			completed.Load(), partial.Load(), failed.Load(), len(images))
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchTranslateTo, "translate", "", "BCP 47 target language for the translated view")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "max concurrent invocations (default from config)")
	rootCmd.AddCommand(batchCmd)
}

// listImages returns image paths in a directory, sorted for determinism.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrap(err, "read directory")
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".webp", ".gif":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
