package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const fileCacheExt = ".cache.json"

// FileCacheStore keeps one JSON document per cache key in a directory. It is
// meant for single-process use where a database is not wanted.
type FileCacheStore struct {
	dir string
}

var _ CacheStore = (*FileCacheStore)(nil)

// NewFileCacheStore creates the directory if needed.
func NewFileCacheStore(dir string) (*FileCacheStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileCacheStore{dir: dir}, nil
}

func (f *FileCacheStore) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(f.dir, key+fileCacheExt), nil
}

// GetCache reads the cache stored under key.
func (f *FileCacheStore) GetCache(ctx context.Context, key string) (*CacheRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	return readCacheFile(p, key)
}

func readCacheFile(p, key string) (*CacheRecord, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound("cache", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %s: %w", key, err)
	}

	rec := &CacheRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode cache %s: %w", key, err)
	}
	if rec.Cache == nil {
		return nil, fmt.Errorf("cache %s has no payload", key)
	}
	return rec, nil
}

// PutCache writes rec atomically by renaming a temporary file into place.
func (f *FileCacheStore) PutCache(ctx context.Context, rec *CacheRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.Cache == nil {
		return fmt.Errorf("cache record is empty")
	}
	p, err := f.path(rec.Key)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache %s: %w", rec.Key, err)
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache %s: %w", rec.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache %s: %w", rec.Key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to store cache %s: %w", rec.Key, err)
	}
	return nil
}

// DeleteCache removes the cache stored under key.
func (f *FileCacheStore) DeleteCache(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound("cache", key)
		}
		return fmt.Errorf("failed to delete cache %s: %w", key, err)
	}
	return nil
}

// ListCaches returns every cache in the directory ordered by key.
func (f *FileCacheStore) ListCaches(ctx context.Context) ([]*CacheRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}

	recs := []*CacheRecord{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileCacheExt) {
			continue
		}
		key := strings.TrimSuffix(name, fileCacheExt)
		rec, err := readCacheFile(filepath.Join(f.dir, name), key)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return recs, nil
}
