// Command marketsync runs the marketplace API and drives client sessions
// that keep their caches in step over a shared key-value channel.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/marketplace-sync/internal/config"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

var (
	configFlag string
	envFlag    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "marketsync",
		Short:         "Marketplace API with cross-session cache synchronisation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "YAML file of configuration keys, overridden by the environment")
	rootCmd.PersistentFlags().StringVar(&envFlag, "env-file", ".env", "dotenv file loaded into the environment when present")

	rootCmd.AddCommand(serveCommand(), simulateCommand())
	if err := rootCmd.Execute(); err != nil {
		obs.Logger.Error("command_failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration from the optional dotenv file, the
// optional YAML file and the process environment, then configures logging.
func loadConfig() (config.Config, error) {
	if envFlag != "" {
		if err := godotenv.Load(envFlag); err != nil && !os.IsNotExist(err) {
			return config.Config{}, err
		}
	}
	cfg := config.Load()
	if configFlag != "" {
		var err error
		if cfg, err = config.LoadFile(configFlag); err != nil {
			return config.Config{}, err
		}
	}
	obs.InitLoggerWith(os.Stdout, cfg.LogLevel)
	return cfg, nil
}
