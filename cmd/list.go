package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every face persisted by the storage sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sink, err := openSink(cmd.Context())
		if err != nil {
			return err
		}
		defer sink.Close()

		records, err := sink.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

func init() {
	addBackendFlags(listCmd)
	rootCmd.AddCommand(listCmd)
}

func printRecords(w io.Writer, records []types.StoredRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No faces found in storage.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "KEY\tAGE\tGENDER\tLANDMARKS\tCREATED")
	fmt.Fprintln(tw, "---\t---\t------\t---------\t-------")

	for _, r := range records {
		age, gender := "-", "-"
		if r.Analysis.Age != nil {
			age = fmt.Sprint(*r.Analysis.Age)
		}
		if r.Analysis.Gender != nil {
			gender = string(*r.Analysis.Gender)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Key, age, gender, len(r.Analysis.Landmarks), r.Timestamp.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}
