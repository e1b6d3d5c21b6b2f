package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// workerCmd groups worker registry operations.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker registry operations",
}

// workerHeartbeatCmd registers the worker if needed and records a heartbeat.
var workerHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [worker-id]",
	Short: "Record a worker heartbeat (auto-registers unknown workers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.EnsureWorker(args[0]); err != nil {
			return err
		}
		if err := st.UpdateWorkerHeartbeat(args[0]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// workerSetModelCmd records the model loaded on a worker.
var workerSetModelCmd = &cobra.Command{
	Use:   "set-model [worker-id] [model]",
	Short: "Record the model currently loaded on a worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetWorkerModel(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// workerStatusCmd transitions a worker's lifecycle status.
var workerStatusCmd = &cobra.Command{
	Use:   "status [worker-id] [active|inactive|terminated]",
	Short: "Set a worker's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetWorkerStatus(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// workerListCmd prints all registered workers.
var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		workers, err := st.ListWorkers()
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers")
			return nil
		}
		for _, w := range workers {
			heartbeat := "-"
			if !w.LastHeartbeat.IsZero() {
				heartbeat = w.LastHeartbeat.Format(time.RFC3339)
			}
			fmt.Printf("%-24s %-10s %-10s model=%-20s heartbeat=%s\n",
				w.ID, w.InstanceClass, w.Status, w.CurrentModel, heartbeat)
		}
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerHeartbeatCmd)
	workerCmd.AddCommand(workerSetModelCmd)
	workerCmd.AddCommand(workerStatusCmd)
	workerCmd.AddCommand(workerListCmd)
}
