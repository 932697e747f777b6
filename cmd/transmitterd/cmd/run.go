package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/next-trace/scg-transmitter/internal/daemon"
	"github.com/next-trace/scg-transmitter/internal/logging"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect the fabrics and route until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			logger.Info("starting transmitterd", "version", Version, "config", v.ConfigFileUsed())

			return daemon.New(cfg, logger).Run(cmd.Context())
		},
	}
}
