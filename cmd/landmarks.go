package cmd

import (
	"fmt"

	"github.com/andresmejia3/facemerge/internal/stage"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/spf13/cobra"
)

var landmarksOpts StageOptions

var landmarksCmd = &cobra.Command{
	Use:   "landmarks",
	Short: "Run the facial landmark detection stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyStageDefaults(cmd, &landmarksOpts, cfg.LandmarksAddr)

		pool, err := newPythonPool(landmarksOpts, types.StageLandmarks)
		if err != nil {
			return fmt.Errorf("failed to start engines: %w", err)
		}
		defer pool.Close()

		return runStage(cmd.Context(), stage.Landmarks{Engine: pool}, landmarksOpts)
	},
}

func init() {
	addStageFlags(landmarksCmd, &landmarksOpts)
	rootCmd.AddCommand(landmarksCmd)
}
