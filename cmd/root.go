package cmd

import (
	"fmt"
	"os"

	"github.com/markb/tableside/internal/config"
	"github.com/markb/tableside/internal/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// configKeyAnnotation ties a subcommand flag to a config key.
const configKeyAnnotation = "tableside_config_key"

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

// cfg is loaded before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "tableside",
	Short:   "Realtime connection keeper for the restaurant console",
	Long:    `Keeps realtime subscriptions and staff presence alive, recovers them after drops, and reports health to the background worker.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		return log.Init(&cfg.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Close()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate("tableside version {{.Version}}\n")

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().String("addr", "", "Status server address")
}

// flagOverrides maps persistent flags to config keys. Only flags the user
// actually set are applied.
var flagOverrides = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"addr":       "server.addr",
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	overrides := make(map[string]any)
	for flag, key := range flagOverrides {
		f := cmd.Flags().Lookup(flag)
		if f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}
	collectLocalOverrides(cmd, overrides)

	loaded, err := config.Load(config.Options{Path: path, Overrides: overrides})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return loaded, nil
}

// bindFlag marks a subcommand flag as an override for key.
func bindFlag(cmd *cobra.Command, name, key string) {
	_ = cmd.Flags().SetAnnotation(name, configKeyAnnotation, []string{key})
}

// collectLocalOverrides applies subcommand flags bound with bindFlag.
func collectLocalOverrides(cmd *cobra.Command, overrides map[string]any) {
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		key, ok := f.Annotations[configKeyAnnotation]
		if !ok || len(key) == 0 || !f.Changed {
			return
		}
		overrides[key[0]] = f.Value.String()
	})
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
