// Package main is the entry point for the bey-transport binary.
// It runs a secure transport node and exposes maintenance commands for
// policies and device certificates.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/bey-transport/pkg/config"
	"github.com/polisai/bey-transport/pkg/logging"
	"github.com/polisai/bey-transport/pkg/mtls"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultDeviceID = "local"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and registers every subcommand.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bey-transport",
		Short: "Secure peer transport with mutual TLS, policy and pooling",
		Long: `bey-transport connects devices over mutually authenticated TLS.

Every outbound connection is checked against the policy engine before a
pooled connection is leased to the caller.

Example:
  bey-transport serve --config transport.yaml --device desktop --policies ./policies`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("device", "d", defaultDeviceID, "Device identifier of this node")

	rootCmd.AddCommand(
		newServeCmd(),
		newConnectCmd(),
		newPolicyCmd(),
		newCertsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	ConfigPath string
	LogLevel   string
	DeviceID   string
}

func parseGlobalFlags(cmd *cobra.Command) (*globalFlags, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	deviceID, err := cmd.Flags().GetString("device")
	if err != nil {
		return nil, fmt.Errorf("failed to get device flag: %w", err)
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device id must not be empty")
	}
	return &globalFlags{ConfigPath: configPath, LogLevel: logLevel, DeviceID: deviceID}, nil
}

// loadRuntime reads the configuration and builds the process logger from it.
func loadRuntime(cmd *cobra.Command) (*globalFlags, *config.Config, *slog.Logger, error) {
	flags, err := parseGlobalFlags(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, nil, nil, err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Pretty: cfg.Logging.Format != "json",
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return flags, cfg, logger, nil
}

// newProvider opens (or creates) the local certificate authority under the
// configured certificates directory.
func newProvider(cfg *config.Config) (*mtls.LocalCAProvider, error) {
	return mtls.NewLocalCAProvider(mtls.LocalCAOptions{
		Organization: cfg.Mtls.OrganizationName,
		Country:      cfg.Mtls.CountryCode,
		Dir:          cfg.Mtls.CertificatesDir,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bey-transport %s\n", version)
		},
	}
}
