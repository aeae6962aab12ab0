package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facemerge/internal/dispatch"
	"github.com/andresmejia3/facemerge/internal/rpc"
	"github.com/spf13/cobra"
)

// DispatchOptions holds the flags of the dispatch command
type DispatchOptions struct {
	InputPath    string
	Parallel     int
	Rate         float64
	Watch        bool
	AgeGenderURL string
	LandmarksURL string
	Quiet        bool
}

var dispatchOpts DispatchOptions

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send every image in a folder to both attribute stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDispatch(cmd, dispatchOpts)
	},
}

func init() {
	dispatchCmd.Flags().StringVarP(&dispatchOpts.InputPath, "input", "i", "", "Folder of .jpg/.jpeg/.png images")
	dispatchCmd.Flags().IntVarP(&dispatchOpts.Parallel, "parallel", "p", 4, "Images in flight at once")
	dispatchCmd.Flags().Float64VarP(&dispatchOpts.Rate, "rate", "r", 0, "Max images per second (0 = unlimited)")
	dispatchCmd.Flags().BoolVarP(&dispatchOpts.Watch, "watch", "W", false, "Keep running and dispatch images added to the folder")
	dispatchCmd.Flags().StringVar(&dispatchOpts.AgeGenderURL, "age-gender", "", "Age/gender stage URL (default: $FACEMERGE_AGE_GENDER_URL)")
	dispatchCmd.Flags().StringVar(&dispatchOpts.LandmarksURL, "landmarks", "", "Landmarks stage URL (default: $FACEMERGE_LANDMARKS_URL)")
	dispatchCmd.Flags().BoolVarP(&dispatchOpts.Quiet, "quiet", "q", false, "Hide the progress bar")

	dispatchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, opts DispatchOptions) error {
	ctx := cmd.Context()
	logger := newLogger("dispatch")

	if info, err := os.Stat(opts.InputPath); err != nil || !info.IsDir() {
		return fmt.Errorf("input %q is not a directory", opts.InputPath)
	}
	if opts.AgeGenderURL == "" {
		opts.AgeGenderURL = cfg.AgeGenderURL
	}
	if opts.LandmarksURL == "" {
		opts.LandmarksURL = cfg.LandmarksURL
	}

	var progress io.Writer = os.Stderr
	if opts.Quiet {
		progress = nil
	}
	d := dispatch.New(
		rpc.NewStageClient(opts.AgeGenderURL, cfg.RPCTimeout),
		rpc.NewStageClient(opts.LandmarksURL, cfg.RPCTimeout),
		dispatch.Options{Parallel: opts.Parallel, Rate: opts.Rate, Progress: progress},
		logger,
	)

	// 1. Everything already in the folder
	results, err := d.DispatchDir(ctx, opts.InputPath)
	if err != nil {
		return err
	}
	printResults(cmd.OutOrStdout(), results)

	if !opts.Watch {
		return nil
	}

	// 2. New arrivals until interrupted
	out := make(chan dispatch.Result)
	go func() {
		for res := range out {
			printResults(cmd.OutOrStdout(), []dispatch.Result{res})
		}
	}()
	err = d.Watch(ctx, opts.InputPath, out)
	close(out)
	return err
}

func printResults(w io.Writer, results []dispatch.Result) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FILE\tKEY\tAGE/GENDER\tLANDMARKS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, shortKey(r.Hash), mark(r.AgeGender), mark(r.Landmarks))
	}
	tw.Flush()
}

func mark(ok bool) string {
	if ok {
		return "accepted"
	}
	return "rejected"
}

func shortKey(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
