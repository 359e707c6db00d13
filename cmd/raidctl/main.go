package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version info (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile  string
	logLevel string
	stateDir string
	dryRun   bool
)

var rootCmd = &cobra.Command{
	Use:   "raidctl",
	Short: "Provision RAID-backed bootable root volumes",
	Long: `raidctl discovers disks, plans a software RAID root volume with
per-disk boot partitions, and applies the plan with rollback.

Every destructive command defaults to dry-run. Disable it in
/etc/raidctl/raidctl.yaml, with RAIDCTL_DRY_RUN=false or --dry-run=false.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/raidctl/raidctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory for leases and run journals")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", true, "plan and check without touching disks")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("stateDir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("dryRun", rootCmd.PersistentFlags().Lookup("dry-run"))

	rootCmd.AddCommand(
		newDiscoverCmd(),
		newLevelsCmd(),
		newPlanCmd(),
		newScriptCmd(),
		newApplyCmd(),
		newBootCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("raidctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/raidctl")
		viper.AddConfigPath("$HOME/.config/raidctl")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("RAIDCTL")
	// A missing file is fine; config.Load reports unreadable ones.
	_ = viper.ReadInConfig()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
