/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

// Cache keeps extracted bundle directories keyed by checksum. Entries are
// reference-counted; concurrent acquires of the same bundle share one
// extraction, and unreferenced entries are garbage-collected after a TTL.
type Cache struct {
	root string
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	dir      string
	refs     int
	lastUsed time.Time
	ready    chan struct{}
	err      error
}

// NewCache creates a bundle cache rooted at dir.
func NewCache(root string, ttl time.Duration) (*Cache, error) {
	if root == "" {
		return nil, apphuberrors.NewBadRequest("bundle cache root is empty")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle cache root %s: %v", root, err)
	}
	return &Cache{root: root, ttl: ttl, entries: make(map[string]*cacheEntry)}, nil
}

// Acquire returns the extracted directory of a bundle, downloading and
// untarring through fetch when the cache misses. The returned release
// function must be called when the sandbox is done with the directory.
func (c *Cache) Acquire(ctx context.Context, bundle *client.JobBundleVersion, fetch func(context.Context) ([]byte, error)) (string, func(), error) {
	if bundle == nil || bundle.Checksum == "" {
		return "", nil, apphuberrors.NewBadRequest("the bundle input is empty")
	}
	key := bundle.Checksum

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		entry.refs++
		c.mu.Unlock()
		<-entry.ready
		if entry.err != nil {
			c.release(key)
			return "", nil, entry.err
		}
		return entry.dir, func() { c.release(key) }, nil
	}
	entry = &cacheEntry{
		dir:   filepath.Join(c.root, SanitizeSegment(bundle.Slug, "bundle"), shortChecksum(key)),
		refs:  1,
		ready: make(chan struct{}),
	}
	c.entries[key] = entry
	c.mu.Unlock()

	entry.err = c.populate(ctx, entry.dir, bundle, fetch)
	close(entry.ready)
	if entry.err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", nil, entry.err
	}
	return entry.dir, func() { c.release(key) }, nil
}

// populate extracts the bundle into dir unless a previous extraction is
// already present.
func (c *Cache) populate(ctx context.Context, dir string, bundle *client.JobBundleVersion, fetch func(context.Context) ([]byte, error)) error {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return nil // extraction survives process restarts
	}
	data, err := fetch(ctx)
	if err != nil {
		return err
	}
	if got := Checksum(data); got != bundle.Checksum {
		return apphuberrors.NewChecksumMismatch(fmt.Sprintf(
			"bundle %s@%s checksum mismatch: fetched %s, expected %s",
			bundle.Slug, bundle.Version, got, bundle.Checksum))
	}
	tmp := dir + ".extract"
	if err = os.RemoveAll(tmp); err != nil {
		return err
	}
	if err = untar(data, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err = os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err = os.Rename(tmp, dir); err != nil {
		// A concurrent process may have extracted first.
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			_ = os.RemoveAll(tmp)
			return nil
		}
		return err
	}
	klog.Infof("extracted bundle %s@%s into %s", bundle.Slug, bundle.Version, dir)
	return nil
}

func (c *Cache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		entry.refs = 0
		entry.lastUsed = time.Now()
	}
}

// GC removes unreferenced extractions older than the TTL. Returns how many
// entries were collected.
func (c *Cache) GC() int {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	var victims []*cacheEntry
	for key, entry := range c.entries {
		if entry.refs == 0 && !entry.lastUsed.IsZero() && entry.lastUsed.Before(cutoff) {
			victims = append(victims, entry)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	for _, entry := range victims {
		if err := os.RemoveAll(entry.dir); err != nil {
			klog.ErrorS(err, "failed to remove cached bundle", "dir", entry.dir)
		}
	}
	return len(victims)
}

// RunGC collects expired entries periodically until ctx is done.
func (c *Cache) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.GC(); n > 0 {
				klog.Infof("bundle cache gc removed %d entries", n)
			}
		}
	}
}

func shortChecksum(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}

// untar extracts a gzipped tarball into dest, rejecting entries that escape
// it.
func untar(data []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return apphuberrors.NewBadRequest(
				fmt.Sprintf("tar entry %q escapes the extraction root", header.Name))
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err = io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err = f.Close(); err != nil {
				return err
			}
		default:
			return apphuberrors.NewBadRequest(
				fmt.Sprintf("tar entry %q has unsupported type %d", header.Name, header.Typeflag))
		}
	}
}
