package main

import (
	"context"
	"time"

	"github.com/harunnryd/signstream/pkg/devserver"
	"github.com/harunnryd/signstream/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	devAddr  string
	devSigns string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local translation service that matches hand shapes against a sign database",
	RunE: func(cmd *cobra.Command, args []string) error {
		dc := cfg.DevServer
		if devAddr != "" {
			dc.Addr = devAddr
		}
		if devSigns != "" {
			dc.SignsPath = devSigns
		}
		srv, err := devserver.New(dc, logging.NewComponentLogger(logger, "devserver"))
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := srv.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		stop, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Stop(stop)
	},
}

func msDuration(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "", "override devserver.addr")
	devserverCmd.Flags().StringVar(&devSigns, "signs", "", "JSON sign database (default: built-in signs)")
	rootCmd.AddCommand(devserverCmd)
}
