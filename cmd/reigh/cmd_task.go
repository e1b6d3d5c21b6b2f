package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var taskOutputLocation string

// taskCmd groups task lifecycle operations.
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task lifecycle operations",
}

// taskCompleteCmd marks an In Progress task Complete.
var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id] [output-location]",
	Short: "Mark a task Complete and materialize its generation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		updated, err := surface.MarkComplete(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if !updated {
			fmt.Println("No row updated (task not In Progress)")
			return nil
		}
		logger.Info("Task completed", zap.String("task", args[0]))
		fmt.Println("ok")
		return nil
	},
}

// taskFailCmd marks an In Progress task Failed.
var taskFailCmd = &cobra.Command{
	Use:   "fail [task-id] [error]",
	Short: "Mark a task Failed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		updated, err := surface.MarkFailed(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if !updated {
			fmt.Println("No row updated (task not In Progress)")
			return nil
		}
		fmt.Println("ok")
		return nil
	},
}

// taskStatusCmd is the general-purpose transition helper for admin flows.
var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id] [status]",
	Short: "Transition a task's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		updated, err := surface.UpdateStatus(cmd.Context(), args[0], args[1], taskOutputLocation)
		if err != nil {
			return err
		}
		if !updated {
			fmt.Println("No row updated (illegal transition)")
			return nil
		}
		fmt.Println("ok")
		return nil
	},
}

// taskStuckCmd reports In Progress tasks older than the configured
// threshold.
var taskStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List tasks In Progress longer than the stuck threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		tasks, err := st.StuckTasks(cfg.GetStuckTaskThreshold())
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s type=%s worker=%s started=%v\n", t.ID, t.TaskType, t.WorkerID, t.GenerationStartedAt)
		}
		if len(tasks) == 0 {
			fmt.Println("No stuck tasks")
		}
		return nil
	},
}

func init() {
	taskStatusCmd.Flags().StringVar(&taskOutputLocation, "output", "", "output location (Complete transitions)")

	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskFailCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskStuckCmd)
}
