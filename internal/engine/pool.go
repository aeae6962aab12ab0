package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/charmbracelet/log"
)

// AgeGenderEngine estimates age and gender for every face in a frame.
type AgeGenderEngine interface {
	EstimateAgeGender(ctx context.Context, frame []byte) ([]types.AgeGenderFace, error)
}

// LandmarkEngine locates facial landmarks for every face in a frame.
type LandmarkEngine interface {
	DetectLandmarks(ctx context.Context, frame []byte) ([]types.LandmarkFace, error)
}

// Spawner starts a fresh worker with the given ID.
type Spawner func(id int) (*PythonWorker, error)

// Pool is a bounded set of engine processes. Each request borrows one worker,
// so at most size inferences run at once. A worker that crashes is replaced.
type Pool struct {
	idle   chan *PythonWorker
	spawn  Spawner
	logger *log.Logger
	nextID atomic.Int64
}

// NewPool starts size workers up front.
func NewPool(size int, spawn Spawner, logger *log.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	p := &Pool{idle: make(chan *PythonWorker, size), spawn: spawn, logger: logger}
	for i := 0; i < size; i++ {
		w, err := spawn(i)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle <- w
	}
	p.nextID.Store(int64(size))
	return p, nil
}

func (p *Pool) EstimateAgeGender(ctx context.Context, frame []byte) ([]types.AgeGenderFace, error) {
	var faces []types.AgeGenderFace
	err := p.with(ctx, func(w *PythonWorker) (err error) {
		faces, err = w.EstimateAgeGender(ctx, frame)
		return err
	})
	return faces, err
}

func (p *Pool) DetectLandmarks(ctx context.Context, frame []byte) ([]types.LandmarkFace, error) {
	var faces []types.LandmarkFace
	err := p.with(ctx, func(w *PythonWorker) (err error) {
		faces, err = w.DetectLandmarks(ctx, frame)
		return err
	})
	return faces, err
}

func (p *Pool) with(ctx context.Context, fn func(*PythonWorker) error) error {
	var w *PythonWorker
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := fn(w)

	var crash *CrashError
	if errors.As(err, &crash) {
		// DRAIN: wait for the process to exit so its final stderr is captured
		w.Close()
		p.logger.Error("engine worker crashed, restarting", "worker", w.ID, "err", crash.Err, "logs", w.Logs())
		replacement, spawnErr := p.spawn(int(p.nextID.Add(1) - 1))
		if spawnErr != nil {
			// Keep the pool size stable by returning the dead worker; the next
			// borrower gets another CrashError and retries the spawn.
			p.logger.Error("engine worker restart failed", "err", spawnErr)
			p.idle <- w
			return err
		}
		w = replacement
	}
	p.idle <- w
	return err
}

// Close stops every idle worker.
func (p *Pool) Close() {
	for {
		select {
		case w := <-p.idle:
			w.Close()
		default:
			return
		}
	}
}
