package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rgordey/fleetcore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect daemon configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configShowPath string

func init() {
	configShowCmd.Flags().StringVar(&configShowPath, "config", "", "Config file path (default: XDG config dir)")
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configShowPath)
	if err != nil {
		return err
	}
	out, err := config.Render(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
