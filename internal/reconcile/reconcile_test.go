package reconcile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andresmejia3/facemerge/internal/cache"
	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

type fakeForwarder struct {
	mu    sync.Mutex
	c     *cache.Cache
	calls map[string]int
	err   error
}

func (f *fakeForwarder) Forward(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[key]++
	if f.err != nil {
		return f.err
	}
	return f.c.MarkForwarded(ctx, key)
}

var mr *miniredis.Miniredis

func setup(t *testing.T) (*cache.Cache, *fakeForwarder, *Reconciler) {
	t.Helper()
	mr = miniredis.RunT(t)
	c, err := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	fwd := &fakeForwarder{c: c}
	r := New(c, fwd, Options{Grace: time.Minute, MaxAttempts: 2}, log.New(io.Discard))
	return c, fwd, r
}

func seed(t *testing.T, c *cache.Cache, hash string, created time.Time, stages ...types.Stage) string {
	t.Helper()
	ctx := context.Background()
	if err := c.PutImage(ctx, hash, types.ImageRecord{Faces: 1, DetectedBy: stages[0], CreatedAt: created}); err != nil {
		t.Fatal(err)
	}
	if err := c.PutFrame(ctx, hash, []byte("frame")); err != nil {
		t.Fatal(err)
	}
	key := cache.FaceKey(hash, 1)
	for _, s := range stages {
		fields := map[string]string{"age": "34", "gender": "female"}
		if s == types.StageLandmarks {
			fields = map[string]string{"landmarks": `{"point_0":[1,2]}`}
		}
		if _, err := c.WriteStage(ctx, key, s, fields); err != nil {
			t.Fatal(err)
		}
	}
	return key
}

func TestSweepForwardsCompleteRecords(t *testing.T) {
	c, fwd, r := setup(t)
	key := seed(t, c, "h1", time.Now(), types.StageAgeGender, types.StageLandmarks)

	rep, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Forwarded != 1 || fwd.calls[key] != 1 {
		t.Fatalf("Expected one forward, got report %+v calls %v", rep, fwd.calls)
	}

	// Marked forwarded, so a second sweep leaves it alone.
	rep, _ = r.Sweep(context.Background())
	if rep.Forwarded != 0 || fwd.calls[key] != 1 {
		t.Errorf("Expected no re-forward, got %+v calls %v", rep, fwd.calls)
	}
}

func TestSweepRespectsForeignClaim(t *testing.T) {
	c, fwd, r := setup(t)
	key := seed(t, c, "h1", time.Now(), types.StageAgeGender, types.StageLandmarks)

	if ok, _ := c.ClaimForward(context.Background(), key, "someone-else", time.Minute); !ok {
		t.Fatal("Expected claim")
	}
	r.Sweep(context.Background())
	if fwd.calls[key] != 0 {
		t.Errorf("Expected claimed face to be skipped, got %d calls", fwd.calls[key])
	}
}

func TestSweepReleasesClaimOnFailure(t *testing.T) {
	c, fwd, r := setup(t)
	key := seed(t, c, "h1", time.Now(), types.StageAgeGender, types.StageLandmarks)
	fwd.err = errors.New("sink down")

	rep, _ := r.Sweep(context.Background())
	if rep.Failed != 1 {
		t.Errorf("Expected one failure, got %+v", rep)
	}
	fwd.err = nil
	rep, _ = r.Sweep(context.Background())
	if rep.Forwarded != 1 || fwd.calls[key] != 2 {
		t.Errorf("Expected retry on next sweep, got %+v calls %v", rep, fwd.calls)
	}
}

func TestSweepRequeuesStaleHalfComplete(t *testing.T) {
	c, _, r := setup(t)
	ctx := context.Background()
	key := seed(t, c, "h1", time.Now().Add(-time.Hour), types.StageAgeGender)

	rep, _ := r.Sweep(ctx)
	if rep.Requeued != 1 {
		t.Fatalf("Expected requeue, got %+v", rep)
	}
	h, err := c.Dequeue(ctx, types.StageLandmarks, time.Second)
	if err != nil || h == nil || h.Key != key || h.From != types.StageAgeGender {
		t.Fatalf("Expected handoff to landmarks, got %+v (%v)", h, err)
	}

	r.Sweep(ctx)
	rep, _ = r.Sweep(ctx)
	if rep.Abandoned != 1 || rep.Requeued != 0 {
		t.Errorf("Expected face abandoned after max attempts, got %+v", rep)
	}
}

func TestSweepSkipsFreshOrUncachedFaces(t *testing.T) {
	c, _, r := setup(t)
	ctx := context.Background()
	seed(t, c, "fresh", time.Now(), types.StageLandmarks)

	rep, _ := r.Sweep(ctx)
	if rep.Requeued != 0 {
		t.Errorf("Expected fresh face to wait for grace, got %+v", rep)
	}

	// Past the grace period but the frame has expired.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := c.Set(ctx, cache.FrameKey("fresh"), []byte("x"), time.Second); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)
	rep, _ = r.Sweep(ctx)
	if rep.Requeued != 0 {
		t.Errorf("Expected no requeue without a cached frame, got %+v", rep)
	}
	if n, _ := c.PendingHandoffs(ctx, types.StageAgeGender); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c, fwd, r := setup(t)
	key := seed(t, c, "h1", time.Now(), types.StageAgeGender, types.StageLandmarks)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fwd.mu.Lock()
		n := fwd.calls[key]
		fwd.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if fwd.calls[key] != 1 {
		t.Errorf("Expected one forward, got %d", fwd.calls[key])
	}
}

// finishingCache marks the face forwarded just before the claim, as a stage
// completing its own forward between the scan and the claim would.
type finishingCache struct {
	*cache.Cache
}

func (c finishingCache) ClaimForward(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := c.MarkForwarded(ctx, key); err != nil {
		return false, err
	}
	return c.Cache.ClaimForward(ctx, key, owner, ttl)
}

func TestSweepRechecksRecordAfterClaim(t *testing.T) {
	c, fwd, _ := setup(t)
	key := seed(t, c, "h1", time.Now(), types.StageAgeGender, types.StageLandmarks)
	r := New(finishingCache{c}, fwd, Options{}, log.New(io.Discard))

	rep, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Forwarded != 0 || fwd.calls[key] != 0 {
		t.Errorf("Expected no resubmission of a forwarded face, got %+v calls %v", rep, fwd.calls)
	}
	if ok, _ := c.ClaimForward(context.Background(), key, "next", time.Minute); !ok {
		t.Error("Expected claim released after the sweep")
	}
}
