package main

import (
	"fmt"
	"strconv"
	"strings"

	"reigh/internal/timeline"

	"github.com/spf13/cobra"
)

var (
	shotWithPosition    bool
	shotUpdatePositions bool
	shotSpacing         int64
)

// shotCmd groups shot timeline operations.
var shotCmd = &cobra.Command{
	Use:   "shot",
	Short: "Shot timeline operations",
}

// shotAddCmd links a generation into a shot.
var shotAddCmd = &cobra.Command{
	Use:   "add [shot-id] [generation-id]",
	Short: "Add a generation to a shot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		link, err := surface.AddGenerationToShot(cmd.Context(), args[0], args[1], shotWithPosition)
		if err != nil {
			return err
		}
		fmt.Printf("link %s", link.ID)
		if link.TimelineFrame != nil {
			fmt.Printf(" frame=%d", *link.TimelineFrame)
		}
		fmt.Println()
		return nil
	},
}

// shotFramesCmd applies a batch of generation=frame assignments.
var shotFramesCmd = &cobra.Command{
	Use:   "frames [shot-id] [generation=frame ...]",
	Short: "Apply timeline frame assignments atomically",
	Long: `Applies the given generation=frame pairs as one atomic batch, then
prints the shot's full frame listing. With no pairs, just prints the listing.

Example:
  reigh shot frames 4a1b... 9c2d...=0 77aa...=50`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes := make([]timeline.FrameChange, 0, len(args)-1)
		for _, pair := range args[1:] {
			gen, frameStr, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("expected generation=frame, got %q", pair)
			}
			frame, err := strconv.ParseInt(frameStr, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid frame %q: %w", frameStr, err)
			}
			changes = append(changes, timeline.FrameChange{GenerationID: gen, Frame: frame})
		}

		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		placements, err := surface.ApplyTimelineFrames(cmd.Context(), args[0], changes, shotUpdatePositions)
		if err != nil {
			return err
		}
		printPlacements(placements)
		return nil
	},
}

// shotSwapCmd exchanges two generations' frames.
var shotSwapCmd = &cobra.Command{
	Use:   "swap [shot-id] [generation-a] [generation-b]",
	Short: "Swap the timeline frames of two generations",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := surface.ExchangeTimelineFrames(cmd.Context(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

// shotInitCmd positions a shot's unpositioned links.
var shotInitCmd = &cobra.Command{
	Use:   "init [shot-id]",
	Short: "Assign frames to a shot's unpositioned links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := surface.InitializeTimelineFrames(cmd.Context(), args[0], shotSpacing)
		if err != nil {
			return err
		}
		fmt.Printf("positioned %d links\n", n)
		return nil
	},
}

// shotPositionCmd promotes an unpositioned link to the next frame slot.
var shotPositionCmd = &cobra.Command{
	Use:   "position [shot-id] [generation-id]",
	Short: "Position a generation's unpositioned link at the next frame",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		link, err := surface.PositionExistingGeneration(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("link %s frame=%d\n", link.ID, *link.TimelineFrame)
		return nil
	},
}

// shotListCmd prints the current frame listing.
var shotListCmd = &cobra.Command{
	Use:   "list [shot-id]",
	Short: "Print the shot's frame listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, st, err := openSurface()
		if err != nil {
			return err
		}
		defer st.Close()

		placements, err := surface.ApplyTimelineFrames(cmd.Context(), args[0], nil, false)
		if err != nil {
			return err
		}
		printPlacements(placements)
		return nil
	},
}

func printPlacements(placements []timeline.FramePlacement) {
	if len(placements) == 0 {
		fmt.Println("No links")
		return
	}
	for _, p := range placements {
		frame := "-"
		if p.Frame != nil {
			frame = strconv.FormatInt(*p.Frame, 10)
		}
		fmt.Printf("%-8s %s %s\n", frame, p.GenerationID, p.LinkID)
	}
}

func init() {
	shotAddCmd.Flags().BoolVar(&shotWithPosition, "position", false, "assign the next frame slot")
	shotFramesCmd.Flags().BoolVar(&shotUpdatePositions, "user-positioned", false, "mark links as user positioned")
	shotInitCmd.Flags().Int64Var(&shotSpacing, "spacing", 0, "frame spacing (default: configured spacing)")

	shotCmd.AddCommand(shotAddCmd)
	shotCmd.AddCommand(shotFramesCmd)
	shotCmd.AddCommand(shotSwapCmd)
	shotCmd.AddCommand(shotInitCmd)
	shotCmd.AddCommand(shotPositionCmd)
	shotCmd.AddCommand(shotListCmd)
}
