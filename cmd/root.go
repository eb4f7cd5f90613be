package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/observability"
)

var cfgFile string

// rootCmd is the base command when kekkai is called without subcommands.
var rootCmd = &cobra.Command{
	Use:     "kekkai",
	Short:   "Kekkai runs security scanners in hardened sandboxes and gates CI on the findings.",
	Version: Version,
	// The runner reports its own errors through the logger; cobra's
	// extra output would duplicate them.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return err
		}

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "kekkai"})
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		observability.InitializeLogger(cfg.Logger)

		observability.GetLogger().Debug("Starting kekkai", zap.String("version", Version))
		return nil
	},
}

// Execute runs the command tree under a signal-aware context and
// returns the terminal error for main to map to an exit code.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches . and ~/.kekkai)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newHistoryCmd())
}

// initializeConfig wires viper: defaults first, then the config file,
// then KEKKAI_* environment variables; flags bound per-command override
// all of these.
func initializeConfig() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if dir, err := config.DefaultConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("KEKKAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine: defaults plus env cover everything.
	}
	return nil
}
