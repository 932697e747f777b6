package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newValidateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "config ok: page %q, %d event and %d request forwardings\n",
				cfg.Page, len(cfg.Forward.Events), len(cfg.Forward.Requests))

			return nil
		},
	}
}
