package main

import (
	"os"

	"github.com/harunnryd/signstream/pkg/signstream"
	"github.com/spf13/cobra"
)

var (
	runAddr      string
	runAutoStart bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the overlay and session control API",
	Long: "Starts the landmark detector and serves GET /health, GET /ws, GET /session and\n" +
		"POST /session/{probe,start,stop}. Runs until interrupted, then drains the session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runAddr != "" {
			cfg.Server.Addr = runAddr
		}
		if runAutoStart {
			cfg.Stream.AutoStart = true
		}
		engine, err := signstream.NewEngine(signstream.EngineOptions{
			Config:    cfg,
			Logger:    logger,
			BannerOut: os.Stdout,
		})
		if err != nil {
			return err
		}
		return engine.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "override server.addr")
	runCmd.Flags().BoolVar(&runAutoStart, "auto-start", false, "open a session as soon as the server is up")
	rootCmd.AddCommand(runCmd)
}
