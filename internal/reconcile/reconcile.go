// Package reconcile repairs faces the stage protocol left behind: complete
// records whose forward never reached the sink, and half-complete records whose
// sibling never ran.
package reconcile

import (
	"context"
	"time"

	"github.com/andresmejia3/facemerge/internal/cache"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Cache is the subset of the shared cache a sweep touches.
type Cache interface {
	ScanFaces(ctx context.Context, fn func(faceKey string) error) error
	Record(ctx context.Context, faceKey string) (*types.FaceRecord, bool, error)
	Image(ctx context.Context, hash string) (*types.ImageRecord, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	ClaimForward(ctx context.Context, faceKey, owner string, ttl time.Duration) (bool, error)
	ReleaseForward(ctx context.Context, faceKey, owner string) error
	BumpAttempts(ctx context.Context, faceKey string) (int64, error)
	Enqueue(ctx context.Context, to types.Stage, h cache.Handoff) error
}

// Forwarder submits a complete face to the sink.
type Forwarder interface {
	Forward(ctx context.Context, faceKey string) error
}

type Options struct {
	// Grace is how long a half-complete face may wait for its sibling.
	Grace time.Duration
	// MaxAttempts caps re-enqueues per face.
	MaxAttempts int64
	// ClaimTTL bounds how long one reconciler holds a forward lease.
	ClaimTTL time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Scanned   int
	Forwarded int
	Requeued  int
	Failed    int
	Abandoned int
}

type Reconciler struct {
	cache  Cache
	fwd    Forwarder
	opts   Options
	owner  string
	logger *log.Logger
	now    func() time.Time
}

func New(c Cache, fwd Forwarder, opts Options, logger *log.Logger) *Reconciler {
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Minute
	}
	return &Reconciler{cache: c, fwd: fwd, opts: opts, owner: uuid.NewString(), logger: logger, now: time.Now}
}

// Sweep makes one pass over every face record in the cache.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	err := r.cache.ScanFaces(ctx, func(key string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Scanned++

		rec, found, err := r.cache.Record(ctx, key)
		if err != nil {
			r.logger.Warn("unreadable record", "key", key, "err", err)
			rep.Failed++
			return nil
		}
		if !found || rec.Forwarded {
			return nil
		}

		switch {
		case rec.Complete():
			r.forward(ctx, key, &rep)
		case rec.AgeGenderDone || rec.LandmarksDone:
			r.requeue(ctx, key, rec, &rep)
		}
		return nil
	})

	r.logger.Info("sweep finished",
		"scanned", humanize.Comma(int64(rep.Scanned)),
		"forwarded", rep.Forwarded,
		"requeued", rep.Requeued,
		"failed", rep.Failed,
		"abandoned", rep.Abandoned)
	return rep, err
}

func (r *Reconciler) forward(ctx context.Context, key string, rep *Report) {
	ok, err := r.cache.ClaimForward(ctx, key, r.owner, r.opts.ClaimTTL)
	if err != nil || !ok {
		// A stage or another reconciler is forwarding it.
		return
	}
	defer func() {
		if err := r.cache.ReleaseForward(context.WithoutCancel(ctx), key, r.owner); err != nil {
			r.logger.Warn("failed to release forward claim", "key", key, "err", err)
		}
	}()

	// The holder we raced with may have finished between the scan and the claim.
	rec, found, err := r.cache.Record(ctx, key)
	if err != nil || !found || rec.Forwarded {
		return
	}

	if err := r.fwd.Forward(ctx, key); err != nil {
		r.logger.Error("forward failed", "key", key, "err", err)
		rep.Failed++
		return
	}
	rep.Forwarded++
}

func (r *Reconciler) requeue(ctx context.Context, key string, rec *types.FaceRecord, rep *Report) {
	hash, _, err := cache.ParseKey(key)
	if err != nil {
		return
	}

	img, ok, err := r.cache.Image(ctx, hash)
	if err != nil || !ok {
		return
	}
	if r.now().Sub(img.CreatedAt) < r.opts.Grace {
		return
	}

	cached, err := r.cache.Exists(ctx, cache.FrameKey(hash))
	if err != nil || !cached {
		r.logger.Debug("frame expired, cannot requeue", "key", key)
		return
	}

	n, err := r.cache.BumpAttempts(ctx, key)
	if err != nil {
		rep.Failed++
		return
	}
	if n > r.opts.MaxAttempts {
		if n == r.opts.MaxAttempts+1 {
			r.logger.Warn("giving up on half-complete face", "key", key, "attempts", r.opts.MaxAttempts)
		}
		rep.Abandoned++
		return
	}

	done := types.StageAgeGender
	if rec.LandmarksDone {
		done = types.StageLandmarks
	}
	h := cache.Handoff{Key: key, From: done, EnqueuedAt: r.now().UTC()}
	if err := r.cache.Enqueue(ctx, done.Sibling(), h); err != nil {
		r.logger.Error("requeue failed", "key", key, "err", err)
		rep.Failed++
		return
	}
	r.logger.Info("requeued half-complete face", "key", key, "to", done.Sibling(), "attempt", n)
	rep.Requeued++
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
