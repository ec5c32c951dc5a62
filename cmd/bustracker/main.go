package main

import (
	"os"

	plog "github.com/phuslu/log"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"nuha.dev/bustracker/internal/config"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "bustracker",
	Short:         "Camp bus location telemetry",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(v, cfgFile); err != nil {
			return err
		}
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		set_log_level(v.GetString("log_level"))
		return nil
	},
}

func set_log_level(level string) {
	plog.DefaultLogger.Level = plog.ParseLevel(level)
	zl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		zl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zl)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log_level", "info", "trace, debug, info, warn or error")
	rootCmd.AddCommand(serveCmd, agentCmd, initdbCmd, apikeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("")
		os.Exit(1)
	}
}
