package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/signstream/pkg/batch"
	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/configutil"
	"github.com/harunnryd/signstream/pkg/extractor"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/logging"
	"github.com/harunnryd/signstream/pkg/signstream"
	"github.com/harunnryd/signstream/pkg/translate"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	replayDir      string
	replayNoSubmit bool
)

// replayCmd runs a directory of recorded frames through the detector and the batcher
// without a camera or the live session state machine. Every frame is extracted, so the
// trailing short batch is submitted too.
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Extract and translate a directory of recorded frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayDir == "" {
			return errors.New("--dir is required")
		}
		total, err := countFrames(replayDir)
		if err != nil {
			return err
		}

		providers := signstream.DefaultProviders()
		det, err := providers.BuildDetector(cfg.Detector)
		if err != nil {
			return err
		}
		src, err := providers.BuildSource(configutil.Provider{
			Provider: "dir",
			Settings: map[string]any{"path": replayDir},
		})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		ext := extractor.New(det, extractor.Config{FamilyTimeout: msDuration(cfg.Stream.FamilyTimeoutMS)})
		ext.SetLogger(logging.NewComponentLogger(logger, "extractor"))
		if err := ext.Start(ctx); err != nil {
			return err
		}
		defer ext.Close()
		if err := src.Open(ctx, capture.Hints{Width: cfg.Stream.Width, Height: cfg.Stream.Height}); err != nil {
			return err
		}
		defer src.Close()

		client := translate.NewClient(cfg.Service.BaseURL, msDuration(cfg.Service.TimeoutMS))
		acc := batch.NewAccumulator(cfg.Stream.BatchSize)
		out := cmd.OutOrStdout()
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Replaying"),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionShowCount(),
		)

		var batches []landmarks.Batch
		for {
			frame, err := src.Read(ctx)
			if errors.Is(err, capture.ErrClosed) {
				break
			}
			if err != nil {
				return err
			}
			rec, err := ext.Extract(ctx, frame)
			if err != nil {
				return err
			}
			if b, full := acc.Push(rec); full {
				batches = append(batches, b)
			}
			_ = bar.Add(1)
		}
		if b, ok := acc.Flush(); ok {
			batches = append(batches, b)
		}
		_ = bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())

		for i, b := range batches {
			if replayNoSubmit {
				fmt.Fprintf(out, "batch %d: %d frames\n", i+1, b.Len())
				continue
			}
			res, err := submit(ctx, client, b)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i+1, err)
			}
			fmt.Fprintf(out, "batch %d: %d frames: %s\n", i+1, b.Len(), strings.Join(res.Words, " "))
		}
		return nil
	},
}

func submit(ctx context.Context, client *translate.Client, b landmarks.Batch) (landmarks.TranslationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, msDuration(cfg.Service.TimeoutMS))
	defer cancel()
	return client.Translate(ctx, b)
}

func countFrames(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n, nil
}

func init() {
	replayCmd.Flags().StringVar(&replayDir, "dir", "", "directory of recorded frames, replayed in lexical order")
	replayCmd.Flags().BoolVar(&replayNoSubmit, "no-submit", false, "only extract and batch; do not call the translation service")
	rootCmd.AddCommand(replayCmd)
}
