package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/next-trace/scg-transmitter/internal/config"
)

var (
	configFile string
	envFiles   []string

	// Version is set by main.
	Version = "dev"
)

// NewRootCommand builds the transmitterd command tree around its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "transmitterd",
		Short: "Bridge a bot channel and a bus of pages",
		Long: `transmitterd routes events and requests between a bot reachable over NATS
and pages attached to a RabbitMQ exchange, applying the forwarding rules
of its configuration file.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			loadEnvFiles(envFiles)
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml)")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env.local", ".env"},
		"dotenv files loaded before reading the environment; earlier files win")
	root.PersistentFlags().String("page", "", "name of the page on the host bus")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	// Bind flags to viper
	if err := v.BindPFlag("page", root.PersistentFlags().Lookup("page")); err != nil {
		panic(fmt.Sprintf("Failed to bind page flag: %v", err))
	}
	if err := v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level")); err != nil {
		panic(fmt.Sprintf("Failed to bind log-level flag: %v", err))
	}

	root.AddCommand(newRunCommand(v), newValidateCommand(v), newVersionCommand())

	return root
}

// Execute runs the root command with signal handling for graceful shutdown.
func Execute(version string) {
	Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	return config.LoadWith(v, configFile)
}

// loadEnvFiles loads environment variables from .env files.
// Missing files are skipped; variables already set are never overwritten.
func loadEnvFiles(files []string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "transmitterd", Version)
		},
	}
}
