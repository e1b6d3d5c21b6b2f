package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	queueIncludeActive bool
	queueRunType       string
	queueUserID        string
)

// queueCmd groups the count/analysis surface.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the task queue",
}

// queueCountCmd prints the capacity-bounded eligible count.
var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Capacity-bounded count of claimable tasks",
	Long: `Counts how many claims could occur right now, bounded by the per-user
concurrency cap. With --include-active, counts active + claimable up to the
cap instead (cloud-claimed tasks only), which is the cloud-scaler signal.`,
	RunE: runQueueCount,
}

// queueBreakdownCmd prints the blocked-bucket partition.
var queueBreakdownCmd = &cobra.Command{
	Use:   "breakdown",
	Short: "Partition queued tasks by blocking condition",
	RunE:  runQueueBreakdown,
}

// queueAnalyzeCmd prints the full structured analysis.
var queueAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze queue eligibility and rejection reasons",
	RunE:  runQueueAnalyze,
}

func runQueueCount(cmd *cobra.Command, args []string) error {
	surface, st, err := openSurface()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	var n int
	if queueUserID != "" {
		n, err = surface.CountEligibleUser(ctx, queueUserID, queueIncludeActive, queueRunType)
	} else {
		n, err = surface.CountEligibleService(ctx, queueIncludeActive, queueRunType)
	}
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runQueueBreakdown(cmd *cobra.Command, args []string) error {
	surface, st, err := openSurface()
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := surface.CountBreakdownService(cmd.Context(), queueRunType)
	if err != nil {
		return err
	}
	fmt.Printf("total:               %d\n", b.Total)
	fmt.Printf("claimable_now:       %d\n", b.ClaimableNow)
	fmt.Printf("blocked_by_capacity: %d\n", b.BlockedByCapacity)
	fmt.Printf("blocked_by_deps:     %d\n", b.BlockedByDeps)
	fmt.Printf("blocked_by_settings: %d\n", b.BlockedBySettings)
	return nil
}

func runQueueAnalyze(cmd *cobra.Command, args []string) error {
	surface, st, err := openSurface()
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := surface.AnalyzeService(cmd.Context(), queueIncludeActive, queueRunType)
	if err != nil {
		return err
	}
	fmt.Printf("total: %d  eligible: %d\n", a.Total, a.Eligible)
	for reason, count := range a.Reasons {
		fmt.Printf("  %-20s %d\n", reason, count)
	}
	for _, u := range a.Users {
		fmt.Printf("user %s credits=%.2f queued=%d in_progress=%d cloud=%v at_limit=%v\n",
			u.UserID, u.Credits, u.Queued, u.InProgress, u.AllowsCloud, u.AtLimit)
	}
	return nil
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueIncludeActive, "include-active", false, "count active + claimable up to the cap")
	queueCmd.PersistentFlags().StringVar(&queueRunType, "run-type", "", "restrict to gpu or api tasks")
	queueCmd.PersistentFlags().StringVar(&queueUserID, "user", "", "single-user count")

	queueCmd.AddCommand(queueCountCmd)
	queueCmd.AddCommand(queueBreakdownCmd)
	queueCmd.AddCommand(queueAnalyzeCmd)
}
