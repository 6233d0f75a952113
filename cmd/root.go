package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/config"
)

var (
	cfg *config.Config

	// logLevel overrides log.level for a single invocation.
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "sitegen",
	Short: "AI website generation workflow",
	Long:  "Researches a business with tiered Claude prompts, generates a single-page site with legal pages, scores it against a quality gate and publishes the artifacts.",
	// Workflow failures are reported through the log and exit code.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c

		return eris.Wrap(config.InitLogger(cfg.Log), "init logger")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
