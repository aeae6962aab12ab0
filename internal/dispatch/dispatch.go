// Package dispatch submits images to both attribute stages.
package dispatch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/andresmejia3/facemerge/internal/utils"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Stage is the client side of a stage service.
type Stage interface {
	ProcessFace(ctx context.Context, frame []byte, key string) (bool, error)
}

// Result reports whether each stage accepted an image.
type Result struct {
	Name      string
	Hash      string
	AgeGender bool
	Landmarks bool
}

type Options struct {
	// Parallel bounds the number of images in flight.
	Parallel int
	// Rate caps image submissions per second. Zero means unlimited.
	Rate float64
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
	// Settle is how long a watched file must be quiet before it is submitted.
	Settle time.Duration
}

type Dispatcher struct {
	ageGender Stage
	landmarks Stage
	opts      Options
	limiter   *rate.Limiter
	logger    *log.Logger
}

func New(ageGender, landmarks Stage, opts Options, logger *log.Logger) *Dispatcher {
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Dispatcher{
		ageGender: ageGender,
		landmarks: landmarks,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Dispatch sends frame to both stages concurrently under its content hash. A
// stage error counts as not accepted; nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, frame []byte) Result {
	res := Result{Name: name, Hash: utils.ContentHash(frame)}
	d.logger.Info("dispatching", "file", name, "key", res.Hash, "size", humanize.Bytes(uint64(len(frame))))

	var g errgroup.Group
	g.Go(func() error {
		res.AgeGender = d.send(ctx, d.ageGender, string(types.StageAgeGender), frame, res.Hash)
		return nil
	})
	g.Go(func() error {
		res.Landmarks = d.send(ctx, d.landmarks, string(types.StageLandmarks), frame, res.Hash)
		return nil
	})
	g.Wait()
	return res
}

func (d *Dispatcher) send(ctx context.Context, s Stage, name string, frame []byte, key string) bool {
	ok, err := s.ProcessFace(ctx, frame, key)
	if err != nil {
		d.logger.Warn("stage error", "stage", name, "key", key, "err", err)
		return false
	}
	d.logger.Debug("stage response", "stage", name, "key", key, "accepted", ok)
	return ok
}

// DispatchFiles submits every path, at most Parallel at a time. Results are
// returned in input order; unreadable files yield an empty Result.
func (d *Dispatcher) DispatchFiles(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, len(paths))
	bar := d.newBar(len(paths))

	var g errgroup.Group
	g.SetLimit(d.opts.Parallel)
	for i, path := range paths {
		if err := d.limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			defer bar.Add(1)
			frame, err := os.ReadFile(path)
			if err != nil {
				d.logger.Error("failed to read image", "file", path, "err", err)
				results[i] = Result{Name: filepath.Base(path)}
				return nil
			}
			results[i] = d.Dispatch(ctx, filepath.Base(path), frame)
			return nil
		})
	}
	g.Wait()
	bar.Finish()
	return results, ctx.Err()
}

// DispatchDir submits every image in dir.
func (d *Dispatcher) DispatchDir(ctx context.Context, dir string) ([]Result, error) {
	paths, err := utils.ListImages(dir)
	if err != nil {
		return nil, err
	}
	d.logger.Info("loaded images", "dir", dir, "count", len(paths))
	return d.DispatchFiles(ctx, paths)
}

func (d *Dispatcher) newBar(n int) *progressbar.ProgressBar {
	w := d.opts.Progress
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetDescription("Dispatching"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
	)
}

// Watch submits images written to dir until ctx is cancelled. Each file is
// dispatched once it has been quiet for Settle. Results are sent to out if it
// is non-nil.
func (d *Dispatcher) Watch(ctx context.Context, dir string, out chan<- Result) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	d.logger.Info("watching for images", "dir", dir)

	sem := make(chan struct{}, d.opts.Parallel)
	submit := func(path string) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-sem }()
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		frame, err := os.ReadFile(path)
		if err != nil {
			d.logger.Error("failed to read image", "file", path, "err", err)
			return
		}
		res := d.Dispatch(ctx, filepath.Base(path), frame)
		if out != nil {
			select {
			case out <- res:
			case <-ctx.Done():
			}
		}
	}
	settle := newDebouncer(d.opts.Settle, submit)
	defer settle.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !utils.IsImage(event.Name) {
				continue
			}
			d.logger.Debug("fsnotify event", "file", event.Name, "event", event.Op)

			settle.touch(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("fsnotify error", "dir", dir, "err", err)
		}
	}
}

// debouncer calls fire for a path once touch has not been called for it for
// wait.
type debouncer struct {
	wait time.Duration
	fire func(path string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func newDebouncer(wait time.Duration, fire func(string)) *debouncer {
	return &debouncer{wait: wait, fire: fire, pending: map[string]*time.Timer{}}
}

func (b *debouncer) touch(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arm(path)
}

// arm must be called with mu held.
func (b *debouncer) arm(path string) {
	if t, ok := b.pending[path]; ok && t.Stop() {
		t.Reset(b.wait)
		return
	}

	b.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(b.wait, func() {
		defer b.wg.Done()
		b.mu.Lock()
		// A touch after this timer fired may have armed a new one
		if b.pending[path] == t {
			delete(b.pending, path)
		}
		b.mu.Unlock()
		b.fire(path)
	})
	b.pending[path] = t
}

// stop cancels every pending timer and waits for running fires to return.
func (b *debouncer) stop() {
	b.mu.Lock()
	for path, t := range b.pending {
		if t.Stop() {
			b.wg.Done()
		}
		delete(b.pending, path)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *debouncer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
