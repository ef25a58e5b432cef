/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package bundle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/benediktbwimmer/apphub-sub011/pkg/database/client"
)

func packedTestBundle(t *testing.T) (*client.JobBundleVersion, []byte) {
	t.Helper()
	data, checksum, err := PackBundle(testSuggestion())
	assert.NilError(t, err)
	return &client.JobBundleVersion{
		Slug:     "observatory-report",
		Version:  "1.2.3",
		Checksum: checksum,
	}, data
}

func TestCacheAcquireExtracts(t *testing.T) {
	cache, err := NewCache(t.TempDir(), time.Minute)
	assert.NilError(t, err)
	bundle, data := packedTestBundle(t)

	dir, release, err := cache.Acquire(context.Background(), bundle,
		func(context.Context) ([]byte, error) { return data, nil })
	assert.NilError(t, err)
	defer release()

	_, err = os.Stat(filepath.Join(dir, "index.js"))
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(dir, "manifest.json"))
	assert.NilError(t, err)
}

func TestCacheDeduplicatesConcurrentAcquires(t *testing.T) {
	cache, err := NewCache(t.TempDir(), time.Minute)
	assert.NilError(t, err)
	bundle, data := packedTestBundle(t)

	var fetches atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		fetches.Add(1)
		time.Sleep(10 * time.Millisecond)
		return data, nil
	}

	var wg sync.WaitGroup
	dirs := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir, release, err := cache.Acquire(context.Background(), bundle, fetch)
			assert.NilError(t, err)
			dirs[i] = dir
			release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, fetches.Load(), int32(1))
	for _, dir := range dirs {
		assert.Equal(t, dir, dirs[0])
	}
}

func TestCacheChecksumMismatch(t *testing.T) {
	cache, err := NewCache(t.TempDir(), time.Minute)
	assert.NilError(t, err)
	bundle, _ := packedTestBundle(t)

	_, _, err = cache.Acquire(context.Background(), bundle,
		func(context.Context) ([]byte, error) { return []byte("garbage"), nil })
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestCacheGCRespectsRefcount(t *testing.T) {
	cache, err := NewCache(t.TempDir(), time.Millisecond)
	assert.NilError(t, err)
	bundle, data := packedTestBundle(t)

	dir, release, err := cache.Acquire(context.Background(), bundle,
		func(context.Context) ([]byte, error) { return data, nil })
	assert.NilError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, cache.GC(), 0) // still referenced

	release()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, cache.GC(), 1)
	_, err = os.Stat(dir)
	assert.Assert(t, os.IsNotExist(err))
}
