package main

import (
	"encoding/json"
	"fmt"

	"reigh/internal/admission"
	"reigh/internal/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	claimRunType       string
	claimSameModelOnly bool
	claimUserID        string
	claimBypassCredit  bool
)

// claimCmd claims the next eligible task for a worker (service mode) or a
// user (user mode with --user).
var claimCmd = &cobra.Command{
	Use:   "claim [worker-id]",
	Short: "Claim the next eligible queued task",
	Long: `Atomically claims one queued task under the affinity-aware FIFO
ordering. With --user, claims in user mode for that user instead (no worker
binding).

Examples:
  reigh claim worker-7f
  reigh claim worker-7f --run-type gpu --same-model-only
  reigh claim --user 2c9e... --run-type api`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClaim,
}

func runClaim(cmd *cobra.Command, args []string) error {
	surface, st, err := openSurface()
	if err != nil {
		return err
	}
	defer st.Close()

	opts := scheduler.ClaimOptions{
		RunType:       claimRunType,
		SameModelOnly: claimSameModelOnly,
	}

	ctx := cmd.Context()
	if claimUserID != "" {
		task, err := surface.ClaimUser(ctx, claimUserID, opts, claimBypassCredit)
		if err != nil {
			return err
		}
		return printClaim(task)
	}

	if len(args) == 0 {
		return fmt.Errorf("worker id required for service-mode claims")
	}
	logger.Info("Claiming task", zap.String("worker", args[0]))
	task, err := surface.ClaimService(ctx, args[0], opts)
	if err != nil {
		return err
	}
	return printClaim(task)
}

func printClaim(task *admission.ClaimedTask) error {
	if task == nil {
		fmt.Println("No claimable task")
		return nil
	}
	out, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	claimCmd.Flags().StringVar(&claimRunType, "run-type", "", "restrict to gpu or api tasks")
	claimCmd.Flags().BoolVar(&claimSameModelOnly, "same-model-only", false, "only claim tasks matching the worker's current model")
	claimCmd.Flags().StringVar(&claimUserID, "user", "", "claim in user mode for this user")
	claimCmd.Flags().BoolVar(&claimBypassCredit, "bypass-credit", false, "skip the credit gate (PAT claims)")
}
