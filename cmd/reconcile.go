package cmd

import (
	"fmt"
	"time"

	"github.com/andresmejia3/facemerge/internal/reconcile"
	"github.com/andresmejia3/facemerge/internal/rpc"
	"github.com/andresmejia3/facemerge/internal/stage"
	"github.com/spf13/cobra"
)

var (
	reconcileInterval    time.Duration
	reconcileGrace       time.Duration
	reconcileMaxAttempts int64
	reconcileSinkURL     string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Forward completed faces the stages failed to deliver and re-queue stalled ones",
	Long:  "Runs one sweep over the cache and exits, or sweeps periodically when --interval is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()
		logger := newLogger("reconcile")

		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		sinkURL := reconcileSinkURL
		if sinkURL == "" {
			sinkURL = cfg.StorageURL
		}
		fwd := stage.NewForwarder(c, rpc.NewSinkClient(sinkURL, cfg.RPCTimeout), stage.DefaultRetryPolicy(), logger)
		r := reconcile.New(c, fwd, reconcile.Options{Grace: reconcileGrace, MaxAttempts: reconcileMaxAttempts}, logger)

		if reconcileInterval > 0 {
			return r.Run(ctx, reconcileInterval)
		}
		rep, err := r.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d faces: %d forwarded, %d requeued, %d failed, %d abandoned\n",
			rep.Scanned, rep.Forwarded, rep.Requeued, rep.Failed, rep.Abandoned)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileInterval, "interval", 0, "Sweep repeatedly at this interval (0 = single sweep)")
	reconcileCmd.Flags().DurationVarP(&reconcileGrace, "grace", "g", 2*time.Minute, "How long a half-complete face may wait for its sibling")
	reconcileCmd.Flags().Int64Var(&reconcileMaxAttempts, "max-attempts", 3, "Re-queues per face before giving up")
	reconcileCmd.Flags().StringVar(&reconcileSinkURL, "sink", "", "Storage service URL (default: $FACEMERGE_STORAGE_URL)")
	rootCmd.AddCommand(reconcileCmd)
}
