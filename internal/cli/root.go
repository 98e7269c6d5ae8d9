package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// v holds the settings flags are bound into; config.LoadFrom layers
	// defaults, the config file and CONTENTLOOP_* variables underneath.
	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "contentloop",
	Short: "contentloop - experiment evaluation and pattern learning for generated content",
	Long: `contentloop evaluates A/B and topic experiments on generated articles,
learns which authoring patterns win, and keeps the generation prompt in
step with the patterns it trusts.

Configuration is read from ./contentloop.yaml (or --config) and
CONTENTLOOP_* environment variables, e.g. CONTENTLOOP_ANALYSIS_API_KEY.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./contentloop.yaml)")
	rootCmd.PersistentFlags().String("db", "./contentloop.db", "database path")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	v.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}
