package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"example.com/backstage/services/headset/internal/core"
	"example.com/backstage/services/headset/internal/infrastructure"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Run one fleet reconciliation pass and print the headset snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := core.NewServiceRegistry(cfg, core.Collaborators{
			Bridge: infrastructure.NewADBBridge(cfg.Bridge, logger),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize services: %w", err)
		}
		defer services.Fleet.Close()

		if err := services.Fleet.Refresh(cmd.Context()); err != nil {
			return fmt.Errorf("fleet refresh failed: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(services.Fleet.Snapshots())
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
