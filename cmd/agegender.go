package cmd

import (
	"fmt"

	"github.com/andresmejia3/facemerge/internal/engine"
	"github.com/andresmejia3/facemerge/internal/stage"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/spf13/cobra"
)

var ageGenderOpts StageOptions

var ageGenderCmd = &cobra.Command{
	Use:   "agegender",
	Short: "Run the age/gender estimation stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyStageDefaults(cmd, &ageGenderOpts, cfg.AgeGenderAddr)

		var eng engine.AgeGenderEngine
		switch ageGenderOpts.Engine {
		case "python":
			pool, err := newPythonPool(ageGenderOpts, types.StageAgeGender)
			if err != nil {
				return fmt.Errorf("failed to start engines: %w", err)
			}
			defer pool.Close()
			eng = pool
		case "onnx":
			m, err := engine.NewONNXAgeGender(cfg.ONNXLibrary, cfg.ONNXModel, cfg.ONNXMetadata)
			if err != nil {
				return fmt.Errorf("failed to load ONNX model: %w", err)
			}
			defer m.Close()
			eng = m
		default:
			return fmt.Errorf("unknown engine %q (want python or onnx)", ageGenderOpts.Engine)
		}

		return runStage(cmd.Context(), stage.AgeGender{Engine: eng}, ageGenderOpts)
	},
}

func init() {
	addStageFlags(ageGenderCmd, &ageGenderOpts)
	ageGenderCmd.Flags().StringVar(&ageGenderOpts.Engine, "engine", "python", "Inference backend: python or onnx (pre-cropped faces only)")
	rootCmd.AddCommand(ageGenderCmd)
}
