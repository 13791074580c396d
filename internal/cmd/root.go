// Package cmd implements the ticketflow command line.
package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ticketflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ticketflow",
	Short: "Ticket orchestration engine",
	Long: `ticketflow drives tickets through implementation, validation and
auto-fix, batch by batch in dependency order, with component checkpoints
that can be rolled back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Use ExitCode to map the result to a process
// exit code.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./.ticketflow/config.yaml, then $XDG_CONFIG_HOME/ticketflow/config.yaml)")
	rootCmd.PersistentFlags().StringP("project", "C", "", "project directory (default is the current directory)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ResolvePath(viper.GetString("project"), config.StateDir))
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TICKETFLOW")
	// e.g. TICKETFLOW_ORCHESTRATOR_WORKERS for orchestrator.workers
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
