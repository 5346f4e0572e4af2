package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openjobspec/ojs-racejob/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	v          = server.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "racejob",
	Short: "Cluster cron scheduler where peers race for each run",
	Long: `racejob runs cron jobs across a cluster of equal processes.

Every process keeps its own timers. When a job is due the processes race
on a conditional update in the shared store and only the winner runs it.

Examples:
  racejob serve                         # SQLite store, single process
  racejob serve --store nats --event-bus nats
  racejob migrate --sqlite-path jobs.db # create or upgrade the schema`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "emit JSON logs")
	rootCmd.PersistentFlags().String("sqlite-path", "racejob.db", "SQLite database file")
	bindFlags(v, rootCmd.PersistentFlags().Lookup, map[string]string{
		"log_level":   "log-level",
		"log_json":    "log-json",
		"sqlite_path": "sqlite-path",
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges defaults, the config file, RACEJOB_* and flags.
func loadConfig() (*server.Config, error) {
	return server.LoadConfig(v, configFile)
}

func bindFlags(v *viper.Viper, lookup flagLookup, keys map[string]string) {
	for key, flag := range keys {
		if f := lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}
