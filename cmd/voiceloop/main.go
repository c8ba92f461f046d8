// Command voiceloop runs a hands-free voice conversation: it listens on the
// microphone, sends each utterance through a transcribe, complete and
// synthesize backend, and plays the reply.
package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-voiceloop/internal/config"
	"github.com/teslashibe/go-voiceloop/internal/log"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:          "voiceloop",
	Short:        "Hands-free voice conversation loop",
	SilenceUsage: true,
	Long: `voiceloop calibrates the microphone noise floor, detects when you speak,
and answers each utterance through a speech backend.

Configuration is read from a YAML file (--config) and VOICELOOP_* environment
variables. A .env file in the working directory is loaded first.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

// loadConfig reads the configuration and initializes the global logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, log.Component("voiceloop"), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
