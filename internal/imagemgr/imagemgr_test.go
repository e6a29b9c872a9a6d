package imagemgr

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func fakeTarStream(t *testing.T) io.ReadCloser {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("hello")
	if err := tw.WriteHeader(&tar.Header{Name: "hello.txt", Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write tar content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return io.NopCloser(&buf)
}

func TestEnsurePullsOnFirstAccess(t *testing.T) {
	pullCount := 0
	mgr, err := New(Options{
		CacheDir: t.TempDir(),
		Now:      func() time.Time { return time.Unix(0, 0) },
		PullImage: func(ctx context.Context, ref string) (io.ReadCloser, OCIConfig, error) {
			pullCount++
			return fakeTarStream(t), OCIConfig{Entrypoint: []string{"/bin/sh"}}, nil
		},
		MaterializeRootFS: func(ctx context.Context, r io.Reader, outputPath string) (int64, error) {
			return 42, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := mgr.Ensure(context.Background(), "focal")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if res.CacheHit {
		t.Fatalf("expected cache miss on first Ensure")
	}
	if pullCount != 1 {
		t.Fatalf("expected 1 pull, got %d", pullCount)
	}

	res2, err := mgr.Ensure(context.Background(), "focal")
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if !res2.CacheHit {
		t.Fatalf("expected cache hit on second Ensure")
	}
	if pullCount != 1 {
		t.Fatalf("expected pull count to stay at 1, got %d", pullCount)
	}
}

func TestEnsureRejectsEmptyRef(t *testing.T) {
	mgr, err := New(Options{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := mgr.Ensure(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty ref")
	}
}
