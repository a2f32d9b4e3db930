package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/attending-controller/internal/config"
	"github.com/danielpatrickdp/attending-controller/internal/protocol"
)

var version = "dev"

// #region root

var rootCmd = &cobra.Command{
	Use:           "controller",
	Short:         "Attending intervention controller",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "Print the active protocol ladder as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		data, err := protocol.Marshal(reg.Protocols())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, sinkCmd, protocolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion root

// #region helpers

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func loadRegistry(cfg config.Config) (*protocol.Registry, error) {
	if cfg.ProtocolsFile == "" {
		return protocol.MustDefault(), nil
	}
	reg, err := protocol.LoadFile(cfg.ProtocolsFile)
	if err != nil {
		return nil, fmt.Errorf("loading protocols: %w", err)
	}
	return reg, nil
}

// #endregion helpers
