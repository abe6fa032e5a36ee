// Command panoptikon runs the job/search HTTP surface and the Cron
// Scheduler (spec.md §4.6, §4.9, §4.10). It also re-execs itself under a
// hidden `job-worker` subcommand as the Job Manager's fresh-process target
// (spec.md §4.6), mirroring the Python job manager's
// multiprocessing.Process(target=execute_job).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "panoptikon",
	Short: "Panoptikon job, search, and cron surface",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "panoptikon.toml", "path to the daemon config file")
	rootCmd.AddCommand(serveCmd, jobWorkerCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
