package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"example.com/backstage/services/headset/internal/core"
	"github.com/spf13/cobra"
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Scan the local content library and print its catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		library := core.NewLibrary(cfg.Content.LibraryRoot, logger)
		solutions, err := library.Scan()
		if err != nil {
			return fmt.Errorf("library scan failed: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"root":       library.Root(),
			"solutions":  solutions,
			"total_size": library.TotalSize(),
		})
	},
}

func init() {
	rootCmd.AddCommand(libraryCmd)
}
