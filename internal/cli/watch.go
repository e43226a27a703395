package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	watchSpoolDir string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the spool directory and ingest files as scrapers drop them",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if watchSpoolDir != "" {
			a.Config.Spool.Dir = watchSpoolDir
		}
		if watchInterval > 0 {
			a.Config.Spool.Interval = watchInterval
		}
		return a.Watch(cmd.Context())
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSpoolDir, "spool", "", "Spool directory to watch (defaults to config)")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Periodic rescan interval (defaults to config)")
}
