package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facemerge/internal/rpc"
	"github.com/andresmejia3/facemerge/internal/store"
	"github.com/spf13/cobra"
)

var (
	storageAddr    string
	storageBackend string
	storageFile    string
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run the storage sink that persists merged face records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		logger := newLogger("storage")
		ctx := cmd.Context()

		sink, err := openSink(ctx)
		if err != nil {
			return err
		}
		defer sink.Close()

		addr := storageAddr
		if addr == "" {
			addr = cfg.StorageAddr
		}
		logger.Info("sink ready", "backend", backend())
		return rpc.ListenAndServe(ctx, addr, rpc.NewSinkHandler(sink, sink.Ping, logger), cfg.ShutdownGrace, logger)
	},
}

func init() {
	storageCmd.Flags().StringVarP(&storageAddr, "addr", "a", "", "Listen address (default: $FACEMERGE_STORAGE_ADDR)")
	addBackendFlags(storageCmd)
	rootCmd.AddCommand(storageCmd)
}

func addBackendFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&storageBackend, "backend", "", "Sink backend: postgres or file (default: $FACEMERGE_STORAGE_BACKEND)")
	cmd.Flags().StringVar(&storageFile, "file", "", "Results file for the file backend (default: $FACEMERGE_STORAGE_FILE)")
}

func backend() string {
	if storageBackend != "" {
		return storageBackend
	}
	return cfg.StorageBackend
}

// openSink opens the configured sink backend
func openSink(ctx context.Context) (store.Sink, error) {
	switch backend() {
	case "postgres":
		s, err := store.New(ctx, cfg.PostgresURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return s, nil
	case "file":
		path := storageFile
		if path == "" {
			path = cfg.StorageFile
		}
		return store.OpenFile(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want postgres or file)", backend())
	}
}
