// Package imagemgr resolves a job's dist/osx_image/custom_image selector
// into a bootable ext4 rootfs, pulling and materializing OCI images on
// demand and caching the result for the life of the process.
//
// The teacher's image manager backed this cache with a sqlite metadata
// database, needed for its interactive "list cached images"/"remove
// image" CLI commands across process restarts. A worker has no such
// commands and no cross-restart cache requirement — every job resolves
// its image fresh against whatever the registry or local dist catalogue
// currently serves — so the metadata index is an in-memory map guarded
// by a mutex instead, the same pattern this codebase's sandbox state
// keeps its own in-process record in.
package imagemgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultMkfsBinary = "mkfs.ext4"

// OCIConfig carries the subset of an OCI image config relevant to
// booting it as a job's rootfs.
type OCIConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	Workdir    string
	User       string
}

// Record describes one materialized, cached rootfs image.
type Record struct {
	Ref        string
	RootFSPath string
	SizeBytes  int64
	CreatedAt  time.Time
	LastUsedAt time.Time
	OCIConfig  OCIConfig
}

// EnsureResult reports whether Ensure served the request from cache.
type EnsureResult struct {
	Record   Record
	CacheHit bool
}

// Options configures a Manager. Tests override PullImage/MaterializeRootFS
// with stubs to avoid touching a real registry or invoking mkfs.
type Options struct {
	CacheDir   string
	MkfsBinary string
	Now        func() time.Time

	PullImage         func(context.Context, string) (io.ReadCloser, OCIConfig, error)
	MaterializeRootFS func(context.Context, io.Reader, string) (int64, error)
}

// Manager resolves image references to cached rootfs paths.
type Manager struct {
	cacheDir   string
	mkfsBinary string
	now        func() time.Time
	pullImage  func(context.Context, string) (io.ReadCloser, OCIConfig, error)
	materialize func(context.Context, io.Reader, string) (int64, error)

	mu      sync.Mutex
	records map[string]Record
}

// New constructs a Manager rooted at opts.CacheDir (created if missing).
func New(opts Options) (*Manager, error) {
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "travis-worker-images")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache directory %q: %w", cacheDir, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	mkfsBinary := strings.TrimSpace(opts.MkfsBinary)
	if mkfsBinary == "" {
		mkfsBinary = defaultMkfsBinary
	}

	m := &Manager{
		cacheDir:   cacheDir,
		mkfsBinary: mkfsBinary,
		now:        now,
		records:    make(map[string]Record),
	}
	if opts.PullImage != nil {
		m.pullImage = opts.PullImage
	} else {
		m.pullImage = pullImageFromRegistry
	}
	if opts.MaterializeRootFS != nil {
		m.materialize = opts.MaterializeRootFS
	} else {
		m.materialize = func(ctx context.Context, tarStream io.Reader, outputPath string) (int64, error) {
			return materializeExt4(ctx, m.mkfsBinary, tarStream, outputPath)
		}
	}
	return m, nil
}

// Ensure resolves ref to a cached rootfs, pulling and materializing it if
// this is the first time this process has seen ref.
func (m *Manager) Ensure(ctx context.Context, ref string) (EnsureResult, error) {
	key := strings.TrimSpace(ref)
	if key == "" {
		return EnsureResult{}, fmt.Errorf("image reference cannot be empty")
	}

	m.mu.Lock()
	if record, found := m.records[key]; found {
		if _, err := os.Stat(record.RootFSPath); err == nil {
			record.LastUsedAt = m.now().UTC()
			m.records[key] = record
			m.mu.Unlock()
			return EnsureResult{Record: record, CacheHit: true}, nil
		}
		delete(m.records, key)
	}
	m.mu.Unlock()

	tarStream, cfg, err := m.pullImage(ctx, key)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("pull image %q: %w", key, err)
	}
	defer tarStream.Close()

	outputPath := filepath.Join(m.cacheDir, sanitizeFilename(key)+".ext4")
	tmpFile, err := os.CreateTemp(m.cacheDir, sanitizeFilename(key)+".tmp-*.ext4")
	if err != nil {
		return EnsureResult{}, fmt.Errorf("create temporary image artifact for %q: %w", key, err)
	}
	tmpPath := tmpFile.Name()
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return EnsureResult{}, fmt.Errorf("close temporary image artifact %q: %w", tmpPath, err)
	}
	defer os.Remove(tmpPath)

	sizeBytes, err := m.materialize(ctx, tarStream, tmpPath)
	if err != nil {
		return EnsureResult{}, err
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return EnsureResult{}, fmt.Errorf("move image artifact to cache %q: %w", outputPath, err)
	}

	now := m.now().UTC()
	record := Record{
		Ref:        key,
		RootFSPath: outputPath,
		SizeBytes:  sizeBytes,
		CreatedAt:  now,
		LastUsedAt: now,
		OCIConfig:  cfg,
	}

	m.mu.Lock()
	m.records[key] = record
	m.mu.Unlock()

	return EnsureResult{Record: record, CacheHit: false}, nil
}

func sanitizeFilename(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
