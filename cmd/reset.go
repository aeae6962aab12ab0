package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetCache bool
	resetSink  bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (cache keys, storage sink)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		// If no flags are set, default to clearing EVERYTHING
		if !resetCache && !resetSink {
			resetCache = true
			resetSink = true
		}

		reader := bufio.NewReader(os.Stdin)
		out := cmd.OutOrStdout()

		if resetCache && (resetYes || confirm(out, reader, "⚠️  Are you sure you want to delete all facemerge keys from the cache?")) {
			c, err := openCache(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Fprintln(out, "🗑️  Clearing Cache...")
			n, err := c.Reset(ctx)
			if err != nil {
				return fmt.Errorf("failed to reset cache: %w", err)
			}
			fmt.Fprintf(out, "   removed %d keys\n", n)
		}

		if resetSink && (resetYes || confirm(out, reader, fmt.Sprintf("⚠️  Are you sure you want to wipe the %s storage sink?", backend()))) {
			sink, err := openSink(ctx)
			if err != nil {
				return err
			}
			defer sink.Close()
			fmt.Fprintln(out, "🗑️  Clearing Storage...")
			if err := sink.Reset(ctx); err != nil {
				return fmt.Errorf("failed to reset storage: %w", err)
			}
		}

		fmt.Fprintln(out, "✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Delete facemerge keys from Redis")
	resetCmd.Flags().BoolVar(&resetSink, "sink", false, "Drop the storage sink's data")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	addBackendFlags(resetCmd)
	rootCmd.AddCommand(resetCmd)
}

func confirm(w io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
