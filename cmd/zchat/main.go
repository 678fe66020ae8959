package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhouzirui/z-chat/backend/cmd/zchat/cmds"
	"github.com/zhouzirui/z-chat/backend/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "zchat",
	Short: "zchat talks to the chat backend from a terminal",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger now that flags are parsed
		initLogger()
	},
}

func initLogger() {
	format := viper.GetString("log_format")
	if format == "" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "console"
		}
	}
	logging.Init(viper.GetString("log_level"), format)
}

func initConfig(configPath string) error {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("zchat")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.zchat")

		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(xdgConfigPath + "/zchat")
		}
	}

	// a missing config file is fine, everything has a default
	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); !ok && err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("log_level", "warn")

	flags := rootCmd.PersistentFlags()
	for key, flag := range map[string]string{
		"log_level":         "log-level",
		"log_format":        "log-format",
		"store_driver":      "store-driver",
		"store_path":        "store-path",
		"inference_backend": "backend",
		"inference_model":   "model",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}

	initLogger()
	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

func main() {
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	configPath := flags.String("config", "", "config file (default ./zchat.yaml)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (json or console)")
	flags.String("store-driver", "", "session store (memory, badger, sqlite)")
	flags.String("store-path", "", "session store location")
	flags.String("backend", "", "inference backend (remote, local, ark)")
	flags.String("model", "", "model to prepare")

	cobra.OnInitialize(func() {
		cobra.CheckErr(initConfig(*configPath))
	})

	rootCmd.AddCommand(
		cmds.NewChatCommand(),
		cmds.NewSessionsCommand(),
		cmds.NewKnowledgeCommand(),
		cmds.NewModelsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
