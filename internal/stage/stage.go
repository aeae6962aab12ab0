// Package stage implements the cache-gated merge protocol shared by the two
// analysis services. Whichever stage finishes a face second, as decided by an
// atomic completion counter in the cache, forwards the merged record to the sink.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/andresmejia3/facemerge/internal/cache"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Cache is the coordination store a stage reads and writes.
type Cache interface {
	RecordReader
	Image(ctx context.Context, hash string) (*types.ImageRecord, bool, error)
	PutImage(ctx context.Context, hash string, img types.ImageRecord) error
	PutFrame(ctx context.Context, hash string, frame []byte) error
	Frame(ctx context.Context, hash string) ([]byte, bool, error)
	WriteStage(ctx context.Context, faceKey string, s types.Stage, fields map[string]string) (int64, error)
	Enqueue(ctx context.Context, to types.Stage, h cache.Handoff) error
	Dequeue(ctx context.Context, s types.Stage, timeout time.Duration) (*cache.Handoff, error)
	ClaimForward(ctx context.Context, faceKey, owner string, ttl time.Duration) (bool, error)
	ReleaseForward(ctx context.Context, faceKey, owner string) error
	MarkBusy(ctx context.Context, hash string, s types.Stage, ttl time.Duration) error
	ClearBusy(ctx context.Context, hash string, s types.Stage) error
	Busy(ctx context.Context, hash string, s types.Stage) (bool, error)
}

// Options tune a stage.
type Options struct {
	// Handoff enqueues work for the sibling when this stage finishes first.
	Handoff bool
	// DequeueWait is how long one BRPOP blocks in the handoff consumer.
	DequeueWait time.Duration
	// RunTimeout bounds one analysis run, which outlives the request that
	// started it.
	RunTimeout time.Duration
	// ClaimTTL bounds the forward lease. It must outlast the retry policy.
	ClaimTTL time.Duration
	// BusyTTL bounds the in-progress marker of an image-level run.
	BusyTTL time.Duration
}

// Stage runs one analyzer against the shared cache.
type Stage struct {
	analyzer Analyzer
	cache    Cache
	fwd      *Forwarder
	opts     Options
	owner    string
	logger   *log.Logger
	now      func() time.Time

	group singleflight.Group
}

func New(a Analyzer, c Cache, fwd *Forwarder, opts Options, logger *log.Logger) *Stage {
	if opts.DequeueWait <= 0 {
		opts.DequeueWait = 5 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 2 * time.Minute
	}
	if opts.BusyTTL <= 0 {
		opts.BusyTTL = opts.RunTimeout
	}
	return &Stage{analyzer: a, cache: c, fwd: fwd, opts: opts, owner: uuid.NewString(), logger: logger, now: time.Now}
}

func (s *Stage) Name() types.Stage { return s.analyzer.Stage() }

// ProcessFace analyzes frame for key, which is either a bare content hash (all
// faces) or a face key (one face). It returns false with ErrDecode or ErrNoFaces
// when nothing was written.
func (s *Stage) ProcessFace(ctx context.Context, frame []byte, key string) (bool, error) {
	hash, face, err := cache.ParseKey(key)
	if err != nil {
		return false, err
	}

	// Concurrent requests for the same key in this process share one run. The
	// run is detached from every caller, so one caller leaving does not fail
	// the others or abandon half-written faces.
	ch := s.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RunTimeout)
		defer cancel()
		return s.process(runCtx, frame, hash, face)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if res.Shared {
		s.logger.Debug("joined in-flight request", "key", key)
	}
	if res.Err != nil {
		s.logger.Warn("process failed", "key", key, "err", res.Err)
		return false, res.Err
	}
	return res.Val.(bool), nil
}

func (s *Stage) process(ctx context.Context, frame []byte, hash string, face int) (bool, error) {
	me := s.Name()

	// 1. Short-circuit when every target face already carries our fields
	targets, err := s.cachedTargets(ctx, hash, face)
	if err != nil {
		return false, err
	}
	if targets != nil {
		s.logger.Info("fields already cached, skipping inference", "hash", short(hash), "faces", len(targets))
		for _, key := range targets {
			if err := s.complete(ctx, key, nil); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	// 2. Inference. Handoffs for this image are dropped while an image-level
	// run is in progress.
	if face == 0 {
		if err := s.cache.MarkBusy(ctx, hash, me, s.opts.BusyTTL); err != nil {
			s.logger.Warn("failed to mark image busy", "hash", short(hash), "err", err)
		}
		defer func() {
			if err := s.cache.ClearBusy(ctx, hash, me); err != nil {
				s.logger.Warn("failed to clear busy marker", "hash", short(hash), "err", err)
			}
		}()
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(frame)); err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}
	detected, err := s.analyzer.Analyze(ctx, frame)
	if err != nil {
		return false, err
	}
	if len(detected) == 0 {
		return false, types.ErrNoFaces
	}
	total, first := len(detected), 1
	if face > 0 {
		if face > len(detected) {
			return false, fmt.Errorf("%w: face %d of %d", types.ErrNoFaces, face, len(detected))
		}
		detected = detected[face-1 : face]
		first = face
	}

	if err := s.cache.PutImage(ctx, hash, types.ImageRecord{Faces: total, DetectedBy: me, CreatedAt: s.now().UTC()}); err != nil {
		return false, err
	}
	if s.opts.Handoff {
		if err := s.cache.PutFrame(ctx, hash, frame); err != nil {
			s.logger.Warn("failed to cache frame for handoff", "hash", short(hash), "err", err)
		}
	}

	// 3 & 4. Write our fields, mark done, forward or hand off
	for i, fields := range detected {
		if err := s.complete(ctx, cache.FaceKey(hash, first+i), fields); err != nil {
			return false, err
		}
	}
	return true, nil
}

// cachedTargets returns the face keys to short-circuit, or nil when inference
// is required.
func (s *Stage) cachedTargets(ctx context.Context, hash string, face int) ([]string, error) {
	img, ok, err := s.cache.Image(ctx, hash)
	if err != nil || !ok {
		return nil, err
	}

	var keys []string
	if face > 0 {
		keys = []string{cache.FaceKey(hash, face)}
	} else {
		for n := 1; n <= img.Faces; n++ {
			keys = append(keys, cache.FaceKey(hash, n))
		}
	}
	for _, key := range keys {
		rec, found, err := s.cache.Record(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found || !rec.HasFields(s.Name()) {
			return nil, nil
		}
	}
	return keys, nil
}

// complete merges fields (nil on short-circuit), sets our flag, and acts on the
// completion count: 2 means we finished second and own the forward, 1 means
// the sibling has not run yet.
func (s *Stage) complete(ctx context.Context, faceKey string, fields Fields) error {
	me := s.Name()
	count, err := s.cache.WriteStage(ctx, faceKey, me, fields)
	if err != nil {
		return err
	}

	switch count {
	case 2:
		s.forward(ctx, faceKey)
	case 1:
		if fields != nil {
			s.logger.Info("stage done, waiting for sibling", "key", faceKey, "sibling", me.Sibling())
		}
		if s.opts.Handoff {
			s.handoff(ctx, faceKey)
		}
	}
	return nil
}

// forward submits a face this stage completed second. It holds the same lease
// as the reconciler, so a sweep never submits a face whose forward is in
// flight. A failure leaves the complete record for the reconciler.
func (s *Stage) forward(ctx context.Context, faceKey string) {
	ctx = context.WithoutCancel(ctx)
	ok, err := s.cache.ClaimForward(ctx, faceKey, s.owner, s.opts.ClaimTTL)
	if err != nil {
		s.logger.Error("forward claim failed", "key", faceKey, "err", err)
		return
	}
	if !ok {
		s.logger.Info("forward already claimed", "key", faceKey)
		return
	}
	defer func() {
		if err := s.cache.ReleaseForward(ctx, faceKey, s.owner); err != nil {
			s.logger.Warn("failed to release forward claim", "key", faceKey, "err", err)
		}
	}()

	s.logger.Info("both stages done, forwarding", "key", faceKey)
	if err := s.fwd.Forward(ctx, faceKey); err != nil {
		s.logger.Error("forward failed", "key", faceKey, "err", err)
	}
}

func (s *Stage) handoff(ctx context.Context, faceKey string) {
	h := cache.Handoff{Key: faceKey, From: s.Name(), EnqueuedAt: s.now().UTC()}
	if err := s.cache.Enqueue(ctx, s.Name().Sibling(), h); err != nil {
		s.logger.Error("handoff failed", "key", faceKey, "err", fmt.Errorf("%w: %v", types.ErrSiblingUnreachable, err))
	}
}

// ConsumeHandoffs processes work left by the sibling until ctx is cancelled.
func (s *Stage) ConsumeHandoffs(ctx context.Context) error {
	s.logger.Info("handoff consumer started", "queue", s.Name())
	for {
		if ctx.Err() != nil {
			return nil
		}
		h, err := s.cache.Dequeue(ctx, s.Name(), s.opts.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("dequeue failed", "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if h == nil {
			continue
		}
		if err := s.HandleHandoff(ctx, h); err != nil {
			s.logger.Warn("handoff not processed", "key", h.Key, "from", h.From, "err", err)
		}
	}
}

// HandleHandoff loads the cached frame for a handoff item and processes it.
// While this stage is already analyzing the whole image the item is dropped;
// that run completes the face, and the reconciler requeues it if the run fails.
func (s *Stage) HandleHandoff(ctx context.Context, h *cache.Handoff) error {
	hash, _, err := cache.ParseKey(h.Key)
	if err != nil {
		return err
	}
	busy, err := s.cache.Busy(ctx, hash, s.Name())
	if err != nil {
		return err
	}
	if busy {
		s.logger.Debug("image already in progress, dropping handoff", "key", h.Key, "from", h.From)
		return nil
	}
	frame, ok, err := s.cache.Frame(ctx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("frame no longer cached")
	}
	_, err = s.ProcessFace(ctx, frame, h.Key)
	return err
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
