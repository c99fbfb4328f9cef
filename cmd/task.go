package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"example.com/backstage/services/headset/internal/client"
	"example.com/backstage/services/headset/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	taskServer string
	taskWait   bool
)

var taskCmd = &cobra.Command{
	Use:   "task <serial> <action>",
	Short: "Queues an operation on a headset through a running server",
	Long: `Queues install, uninstall, push, pull, refresh_json or verify on one headset
through the operator API of a running "headsetctl serve".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial := args[0]
		kind, err := core.ParseTaskKind(args[1])
		if err != nil {
			return err
		}

		server := taskServer
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		api := client.NewClient(server, cfg.API.Token)

		receipt, err := api.SubmitTask(cmd.Context(), serial, kind)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"serial":  serial,
			"task_id": receipt.TaskID,
			"action":  receipt.Action,
		}).Info("Task queued")

		if !taskWait {
			return nil
		}

		// Poll until the headset's queue drains.
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-ticker.C:
			}

			detail, err := api.GetHeadset(cmd.Context(), serial)
			if err != nil {
				return err
			}
			if detail.Tasks["running"] == "" && detail.Tasks["queue_depth"] == float64(0) {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(detail)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.Flags().StringVar(&taskServer, "server", "", "operator API base URL (default http://localhost:<server.port>)")
	taskCmd.Flags().BoolVar(&taskWait, "wait", false, "wait for the headset's task queue to drain and print its state")
}
