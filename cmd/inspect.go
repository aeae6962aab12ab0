package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/facemerge/internal/cache"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/spf13/cobra"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <key>",
	Short: "Show the cached record of an image hash or a face key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		view, err := loadView(ctx, c, args[0])
		if err != nil {
			return err
		}
		if inspectJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "    ")
			return enc.Encode(view)
		}
		printView(cmd.OutOrStdout(), view)
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(inspectCmd)
}

// imageView is everything the cache knows about one key
type imageView struct {
	Hash  string              `json:"hash"`
	Image *types.ImageRecord  `json:"image,omitempty"`
	Faces []*types.FaceRecord `json:"faces"`
}

type viewCache interface {
	Image(ctx context.Context, hash string) (*types.ImageRecord, bool, error)
	Record(ctx context.Context, faceKey string) (*types.FaceRecord, bool, error)
}

func loadView(ctx context.Context, c viewCache, key string) (*imageView, error) {
	hash, face, err := cache.ParseKey(key)
	if err != nil {
		return nil, err
	}
	img, _, err := c.Image(ctx, hash)
	if err != nil {
		return nil, err
	}
	view := &imageView{Hash: hash, Image: img}

	keys := []string{key}
	if face == 0 {
		keys = nil
		if img != nil {
			for n := 1; n <= img.Faces; n++ {
				keys = append(keys, cache.FaceKey(hash, n))
			}
		}
	}
	for _, k := range keys {
		rec, found, err := c.Record(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			view.Faces = append(view.Faces, rec)
		}
	}
	if view.Image == nil && len(view.Faces) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	}
	return view, nil
}

func printView(w io.Writer, v *imageView) {
	if v.Image != nil {
		fmt.Fprintf(w, "Image %s: %d face(s), first detected by %s at %s\n\n",
			shortKey(v.Hash), v.Image.Faces, v.Image.DetectedBy, v.Image.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FACE\tAGE\tGENDER\tLANDMARKS\tAGE/GENDER DONE\tLANDMARKS DONE\tFORWARDED")
	for _, f := range v.Faces {
		age, gender := "-", "-"
		if f.Age != nil {
			age = fmt.Sprint(*f.Age)
		}
		if f.Gender != nil {
			gender = string(*f.Gender)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%t\t%t\n", f.Key, age, gender, len(f.Landmarks), f.AgeGenderDone, f.LandmarksDone, f.Forwarded)
	}
	tw.Flush()
}
