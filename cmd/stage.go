package cmd

import (
	"context"

	"github.com/andresmejia3/facemerge/internal/cache"
	"github.com/andresmejia3/facemerge/internal/engine"
	"github.com/andresmejia3/facemerge/internal/rpc"
	"github.com/andresmejia3/facemerge/internal/stage"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// StageOptions holds the flags shared by the agegender and landmarks commands
type StageOptions struct {
	Addr       string
	Workers    int
	NumEngines int
	SinkURL    string
	Handoff    bool
	Engine     string
}

func addStageFlags(cmd *cobra.Command, opts *StageOptions) {
	cmd.Flags().StringVarP(&opts.Addr, "addr", "a", "", "Listen address (default from env)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "Max concurrent requests (default: $FACEMERGE_WORKERS)")
	cmd.Flags().IntVarP(&opts.NumEngines, "engines", "e", 1, "Number of engine processes in the pool")
	cmd.Flags().StringVar(&opts.SinkURL, "sink", "", "Storage service URL (default: $FACEMERGE_STORAGE_URL)")
	cmd.Flags().BoolVar(&opts.Handoff, "handoff", true, "Hand unfinished faces to the sibling stage through the cache")
}

// applyStageDefaults fills unset flags from the environment config
func applyStageDefaults(cmd *cobra.Command, opts *StageOptions, defaultAddr string) {
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.Workers <= 0 {
		opts.Workers = cfg.Workers
	}
	if opts.SinkURL == "" {
		opts.SinkURL = cfg.StorageURL
	}
	if !cmd.Flags().Changed("handoff") {
		opts.Handoff = cfg.Handoff
	}
}

// newPythonPool spawns NumEngines engine processes running the given task
func newPythonPool(opts StageOptions, task types.Stage) (*engine.Pool, error) {
	logger := newLogger("engine")
	return engine.NewPool(opts.NumEngines, func(id int) (*engine.PythonWorker, error) {
		logger.Debug("spawning engine", "id", id, "task", task)
		return engine.NewPythonWorker(id, cfg.Python, cfg.EngineScript, "--task", string(task))
	}, logger)
}

// runStage wires the cache, forwarder and analyzer, then serves until ctx is
// cancelled. The handoff consumer runs alongside the HTTP server.
func runStage(ctx context.Context, a stage.Analyzer, opts StageOptions) error {
	name := a.Stage()
	logger := newLogger(string(name))

	// 1. Shared cache
	c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// 2. Sink client and forwarder
	sink := rpc.NewSinkClient(opts.SinkURL, cfg.RPCTimeout)
	fwd := stage.NewForwarder(c, sink, stage.DefaultRetryPolicy(), logger)

	// 3. Stage service
	s := stage.New(a, c, fwd, stage.Options{Handoff: opts.Handoff}, logger)
	handler := rpc.NewStageHandler(s, c.Ping, opts.Workers, logger)

	logger.Info("stage ready",
		"redis", cfg.RedisAddr,
		"sink", opts.SinkURL,
		"workers", opts.Workers,
		"engines", opts.NumEngines,
		"handoff", opts.Handoff)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.ListenAndServe(ctx, opts.Addr, handler, cfg.ShutdownGrace, logger)
	})
	if opts.Handoff {
		g.Go(func() error { return s.ConsumeHandoffs(ctx) })
	}
	return g.Wait()
}

var _ stage.Cache = (*cache.Cache)(nil)
