package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/translate"
	"github.com/spf13/cobra"
)

var probeBatch string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the translation service, optionally translating a saved batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := translate.NewClient(cfg.Service.BaseURL, msDuration(cfg.Service.TimeoutMS))
		ctx, cancel := context.WithTimeout(cmd.Context(), msDuration(cfg.Service.ProbeTimeoutMS))
		defer cancel()
		if err := client.Health(ctx); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "service %s ok\n", cfg.Service.BaseURL)
		if probeBatch == "" {
			return nil
		}

		b, err := readBatch(probeBatch)
		if err != nil {
			return err
		}
		res, err := client.Translate(cmd.Context(), b)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "frames: %d\ntranslation: %s\nwords: %s\n", b.Len(), res.Translation, strings.Join(res.Words, ", "))
		return nil
	},
}

func readBatch(path string) (landmarks.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return landmarks.Batch{}, err
	}
	defer f.Close()
	var b landmarks.Batch
	if err := json.NewDecoder(f).Decode(&b); err != nil {
		return landmarks.Batch{}, fmt.Errorf("decode batch %s: %w", path, err)
	}
	return b, nil
}

func init() {
	probeCmd.Flags().StringVar(&probeBatch, "batch", "", "JSON batch file to submit after a successful probe")
	rootCmd.AddCommand(probeCmd)
}
