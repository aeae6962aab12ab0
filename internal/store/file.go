package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/facemerge/internal/types"
)

// FileStore persists every face into a single JSON document of the form
// {face_key: {timestamp, face_analysis: {age, gender, landmarks}}}.
type FileStore struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	records map[string]*types.StoredRecord
}

// OpenFile loads path if it exists. A corrupt file is reported, not discarded.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	fs := &FileStore{path: path, now: time.Now, records: map[string]*types.StoredRecord{}}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &fs.records); err != nil {
			return nil, fmt.Errorf("corrupt results file %s: %w", path, err)
		}
	}
	for k, r := range fs.records {
		r.Key = k
	}
	return fs, nil
}

func (f *FileStore) MergeAgeGender(_ context.Context, key string, age int, gender types.Gender) error {
	return f.merge(key, func(a *types.Analysis) {
		a.Age = &age
		a.Gender = &gender
	})
}

func (f *FileStore) MergeLandmarks(_ context.Context, key string, landmarks types.Landmarks) error {
	return f.merge(key, func(a *types.Analysis) {
		a.Landmarks = landmarks
	})
}

func (f *FileStore) merge(key string, apply func(*types.Analysis)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := types.StoredRecord{Key: key, Timestamp: f.now().UTC()}
	prev, ok := f.records[key]
	if ok {
		next = *prev
	}
	apply(&next.Analysis)

	// Memory only changes once the file does.
	f.records[key] = &next
	if err := f.flush(f.records); err != nil {
		if ok {
			f.records[key] = prev
		} else {
			delete(f.records, key)
		}
		return err
	}
	return nil
}

// flush rewrites the document through a temp file so readers never see a torn write.
func (f *FileStore) flush(records map[string]*types.StoredRecord) error {
	b, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".results-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*types.StoredRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *FileStore) List(_ context.Context) ([]types.StoredRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.StoredRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Reset forgets every record and truncates the file.
func (f *FileStore) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	empty := map[string]*types.StoredRecord{}
	if err := f.flush(empty); err != nil {
		return err
	}
	f.records = empty
	return nil
}

func (f *FileStore) Ping(context.Context) error { return nil }

func (f *FileStore) Close() {}
