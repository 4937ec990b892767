package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/stemtrace/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "stemtrace",
	Short: "Observe distributed task lifecycles as a live execution graph",
	Long: `Stemtrace consumes task and worker lifecycle events from a message
broker and folds them into an in-memory parent/child execution graph,
fanning live updates out to subscribers.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/stemtrace/config.yaml)")
	rootCmd.PersistentFlags().StringP("broker-url", "b", "",
		"broker URL (memory://, redis://, amqp://)")
	rootCmd.PersistentFlags().String("prefix", "",
		"namespace prefix for stream keys and queue names")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("broker_url", rootCmd.PersistentFlags().Lookup("broker-url"))
	_ = viper.BindPFlag("prefix", rootCmd.PersistentFlags().Lookup("prefix"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("broker_url", defaults.BrokerURL)
	viper.SetDefault("prefix", defaults.Prefix)
	viper.SetDefault("ttl", defaults.TTL)
	viper.SetDefault("retention_max_tasks", defaults.RetentionMaxTasks)
	viper.SetDefault("subscriber_queue_depth", defaults.SubscriberQueueDepth)
	viper.SetDefault("worker_offline_after", defaults.WorkerOfflineAfter)
	viper.SetDefault("redact_args", defaults.RedactArgs)
	viper.SetDefault("backoff.initial", defaults.Backoff.Initial)
	viper.SetDefault("backoff.max", defaults.Backoff.Max)
	viper.SetDefault("backoff.max_elapsed", defaults.Backoff.MaxElapsed)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "stemtrace"))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Environment overrides: STEMTRACE_BROKER_URL, STEMTRACE_TRACING_ENABLED.
	viper.SetEnvPrefix("STEMTRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
