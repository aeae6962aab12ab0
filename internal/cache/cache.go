package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// writeStageScript merges a stage's fields into the face hash, sets the stage's
// flag, and on a freshly set flag bumps the completion counter. It returns the
// post-increment count, or 0 when the flag was already present.
var writeStageScript = redis.NewScript(`
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if redis.call('SET', KEYS[2], 'True', 'NX') then
  return redis.call('INCR', KEYS[3])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	FrameTTL time.Duration
}

// Cache is the shared key-value store both stages coordinate through.
type Cache struct {
	rdb      *redis.Client
	frameTTL time.Duration
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Handoff is a work item one stage leaves for its sibling.
type Handoff struct {
	Key        string      `json:"key"`
	From       types.Stage `json:"from"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(rdb, opts.FrameTTL)
}

// NewWithClient wraps an existing client. A zero frameTTL keeps frames forever.
func NewWithClient(rdb *redis.Client, frameTTL time.Duration) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Cache{rdb: rdb, frameTTL: frameTTL, enc: enc, dec: dec}, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	c.enc.Close()
	c.dec.Close()
	return c.rdb.Close()
}

// Get returns the payload at key. A miss is reported through ok, not err.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set overwrites key unconditionally.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// WriteStage atomically merges fields into the face record, sets the stage's
// completion flag and returns the completion count. Exactly one caller per face
// ever observes 2.
func (c *Cache) WriteStage(ctx context.Context, faceKey string, s types.Stage, fields map[string]string) (int64, error) {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	keys := []string{faceKey, FlagKey(faceKey, s), countKey(faceKey)}
	n, err := writeStageScript.Run(ctx, c.rdb, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("write stage %s for %s: %w", s, faceKey, err)
	}
	return n, nil
}

// Record assembles a face record and its flags. ok is false when nothing has
// been written for the key.
func (c *Cache) Record(ctx context.Context, faceKey string) (*types.FaceRecord, bool, error) {
	pipe := c.rdb.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, faceKey)
	agCmd := pipe.Exists(ctx, FlagKey(faceKey, types.StageAgeGender))
	lmCmd := pipe.Exists(ctx, FlagKey(faceKey, types.StageLandmarks))
	fwdCmd := pipe.Exists(ctx, forwardedKey(faceKey))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, err
	}

	fields := fieldsCmd.Val()
	rec := &types.FaceRecord{
		Key:           faceKey,
		AgeGenderDone: agCmd.Val() > 0,
		LandmarksDone: lmCmd.Val() > 0,
		Forwarded:     fwdCmd.Val() > 0,
	}
	if v, ok := fields["age"]; ok {
		age, err := strconv.Atoi(v)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt age for %s: %w", faceKey, err)
		}
		rec.Age = &age
	}
	if v, ok := fields["gender"]; ok {
		g := types.Gender(v)
		rec.Gender = &g
	}
	if v, ok := fields["landmarks"]; ok {
		lm := types.Landmarks{}
		if err := json.Unmarshal([]byte(v), &lm); err != nil {
			return nil, false, fmt.Errorf("corrupt landmarks for %s: %w", faceKey, err)
		}
		rec.Landmarks = lm
	}
	found := len(fields) > 0 || rec.AgeGenderDone || rec.LandmarksDone
	return rec, found, nil
}

// PutImage records the detected face count for an image. The first writer wins.
func (c *Cache) PutImage(ctx context.Context, hash string, img types.ImageRecord) error {
	b, err := json.Marshal(img)
	if err != nil {
		return err
	}
	return c.rdb.SetNX(ctx, hash, b, 0).Err()
}

func (c *Cache) Image(ctx context.Context, hash string) (*types.ImageRecord, bool, error) {
	b, ok, err := c.Get(ctx, hash)
	if err != nil || !ok {
		return nil, ok, err
	}
	var img types.ImageRecord
	if err := json.Unmarshal(b, &img); err != nil {
		return nil, false, fmt.Errorf("corrupt image record %s: %w", hash, err)
	}
	return &img, true, nil
}

// PutFrame stores the image bytes zstd-compressed under the frame key.
func (c *Cache) PutFrame(ctx context.Context, hash string, frame []byte) error {
	return c.Set(ctx, FrameKey(hash), c.enc.EncodeAll(frame, nil), c.frameTTL)
}

func (c *Cache) Frame(ctx context.Context, hash string) ([]byte, bool, error) {
	b, ok, err := c.Get(ctx, FrameKey(hash))
	if err != nil || !ok {
		return nil, ok, err
	}
	frame, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt frame %s: %w", hash, err)
	}
	return frame, true, nil
}

// Enqueue pushes a handoff item onto the target stage's list.
func (c *Cache) Enqueue(ctx context.Context, to types.Stage, h Handoff) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return c.rdb.LPush(ctx, handoffKey(to), b).Err()
}

// Dequeue blocks up to timeout for the next handoff item. It returns nil, nil
// when the wait times out.
func (c *Cache) Dequeue(ctx context.Context, s types.Stage, timeout time.Duration) (*Handoff, error) {
	res, err := c.rdb.BRPop(ctx, timeout, handoffKey(s)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h Handoff
	if err := json.Unmarshal([]byte(res[1]), &h); err != nil {
		return nil, fmt.Errorf("corrupt handoff item: %w", err)
	}
	return &h, nil
}

// PendingHandoffs reports the queue depth for a stage.
func (c *Cache) PendingHandoffs(ctx context.Context, s types.Stage) (int64, error) {
	return c.rdb.LLen(ctx, handoffKey(s)).Result()
}

// ClaimForward takes a lease on forwarding a face. Stages and reconcilers both
// hold it while they submit, so at most one forward of a face is in flight.
func (c *Cache) ClaimForward(ctx context.Context, faceKey, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, claimKey(faceKey), owner, ttl).Result()
}

// ReleaseForward drops the lease if owner still holds it.
func (c *Cache) ReleaseForward(ctx context.Context, faceKey, owner string) error {
	return releaseScript.Run(ctx, c.rdb, []string{claimKey(faceKey)}, owner).Err()
}

// MarkBusy records that stage s is analyzing every face of hash.
func (c *Cache) MarkBusy(ctx context.Context, hash string, s types.Stage, ttl time.Duration) error {
	return c.rdb.Set(ctx, BusyKey(hash, s), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (c *Cache) ClearBusy(ctx context.Context, hash string, s types.Stage) error {
	return c.rdb.Del(ctx, BusyKey(hash, s)).Err()
}

func (c *Cache) Busy(ctx context.Context, hash string, s types.Stage) (bool, error) {
	return c.Exists(ctx, BusyKey(hash, s))
}

// MarkForwarded records that the sink acknowledged the face.
func (c *Cache) MarkForwarded(ctx context.Context, faceKey string) error {
	return c.rdb.Set(ctx, forwardedKey(faceKey), time.Now().UTC().Format(time.RFC3339), 0).Err()
}

// BumpAttempts increments and returns the reconcile attempt counter of a face.
func (c *Cache) BumpAttempts(ctx context.Context, faceKey string) (int64, error) {
	return c.rdb.Incr(ctx, attemptsKey(faceKey)).Result()
}

// ScanFaces calls fn for every face record key in the cache.
func (c *Cache) ScanFaces(ctx context.Context, fn func(faceKey string) error) error {
	iter := c.rdb.Scan(ctx, 0, "*_face*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, n, err := ParseKey(key); err != nil || n == 0 {
			continue
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Reset deletes every key written by the pipeline and returns the count removed.
func (c *Cache) Reset(ctx context.Context) (int, error) {
	var doomed []string
	hashes := map[string]struct{}{}
	iter := c.rdb.Scan(ctx, 0, "*_face*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		doomed = append(doomed, key)
		if hash, n, err := ParseKey(key); err == nil && n > 0 {
			hashes[hash] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	for hash := range hashes {
		doomed = append(doomed, hash, FrameKey(hash), BusyKey(hash, types.StageAgeGender), BusyKey(hash, types.StageLandmarks))
	}
	doomed = append(doomed, handoffKey(types.StageAgeGender), handoffKey(types.StageLandmarks))

	removed := 0
	for start := 0; start < len(doomed); start += 500 {
		end := min(start+500, len(doomed))
		n, err := c.rdb.Del(ctx, doomed[start:end]...).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}
