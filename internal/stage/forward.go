package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

// Sink is the storage contract the forwarder submits completed faces to.
type Sink interface {
	MergeAgeGender(ctx context.Context, key string, age int, gender types.Gender) error
	MergeLandmarks(ctx context.Context, key string, landmarks types.Landmarks) error
}

// RecordReader is the slice of the cache the forwarder needs.
type RecordReader interface {
	Record(ctx context.Context, faceKey string) (*types.FaceRecord, bool, error)
	MarkForwarded(ctx context.Context, faceKey string) error
}

// RetryPolicy bounds the exponential backoff used for sink submissions.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxRetries      uint64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
		MaxRetries:      6,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Forwarder submits a complete face record to the sink and marks it forwarded.
type Forwarder struct {
	cache  RecordReader
	sink   Sink
	policy RetryPolicy
	logger *log.Logger
}

func NewForwarder(c RecordReader, sink Sink, policy RetryPolicy, logger *log.Logger) *Forwarder {
	return &Forwarder{cache: c, sink: sink, policy: policy, logger: logger}
}

// Forward sends the merged attributes of faceKey. The sink is idempotent, so a
// retry after a lost acknowledgement is harmless.
func (f *Forwarder) Forward(ctx context.Context, faceKey string) error {
	rec, found, err := f.cache.Record(ctx, faceKey)
	if err != nil {
		return err
	}
	if !found || !rec.Complete() || !rec.HasFields(types.StageAgeGender) || !rec.HasFields(types.StageLandmarks) {
		return fmt.Errorf("face %s is not complete", faceKey)
	}
	if rec.Forwarded {
		f.logger.Debug("face already forwarded", "key", faceKey)
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		err := f.submit(ctx, rec)
		if err == nil {
			return nil
		}
		var p interface{ Permanent() bool }
		if errors.As(err, &p) && p.Permanent() {
			return backoff.Permanent(err)
		}
		f.logger.Warn("sink submit failed, retrying", "key", faceKey, "attempt", attempt, "err", err)
		return err
	}
	if err := backoff.Retry(op, f.policy.backOff(ctx)); err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %v", types.ErrSinkUnreachable, faceKey, attempt, err)
	}

	if err := f.cache.MarkForwarded(ctx, faceKey); err != nil {
		// The sink has the data; the reconciler may resend it, which is idempotent.
		f.logger.Warn("failed to mark face forwarded", "key", faceKey, "err", err)
	}
	f.logger.Info("forwarded to storage", "key", faceKey, "age", *rec.Age, "gender", *rec.Gender, "landmarks", len(rec.Landmarks))
	return nil
}

func (f *Forwarder) submit(ctx context.Context, rec *types.FaceRecord) error {
	if err := f.sink.MergeAgeGender(ctx, rec.Key, *rec.Age, *rec.Gender); err != nil {
		return err
	}
	return f.sink.MergeLandmarks(ctx, rec.Key, rec.Landmarks)
}
