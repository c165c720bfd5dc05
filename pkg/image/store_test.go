package image

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestDir(t *testing.T) {
	s := NewStore("/var/lib/shocker/images", zap.NewNop().Sugar())
	got := s.Dir("library/busybox", "latest")
	want := "/var/lib/shocker/images/library_busybox_latest"
	if got != want {
		t.Errorf("Dir = %q, want %q", got, want)
	}
}

func TestParseDirName(t *testing.T) {
	tests := []struct {
		name string
		repo string
		tag  string
	}{
		{"library_busybox_latest", "library/busybox", "latest"},
		{"library_nginx_1.25", "library/nginx", "1.25"},
		{"noseparator", "noseparator", "unknown"},
	}
	for _, tt := range tests {
		repo, tag := parseDirName(tt.name)
		if repo != tt.repo || tag != tt.tag {
			t.Errorf("parseDirName(%q) = (%q, %q), want (%q, %q)", tt.name, repo, tag, tt.repo, tt.tag)
		}
	}
}

func TestListEmptyRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nonexistent"), zap.NewNop().Sugar())
	images, err := s.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(images) != 0 {
		t.Errorf("expected no images, got %d", len(images))
	}
}

func TestListSumsSizes(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "library_busybox_latest")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "layer_001_sha256_abc.tar.gz"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "layer_002_sha256_def.tar.gz"), make([]byte, 50), 0o644); err != nil {
		t.Fatal(err)
	}
	// Loose files at the root are not images.
	if err := os.WriteFile(filepath.Join(root, "stray"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	images, err := NewStore(root, zap.NewNop().Sugar()).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(images))
	}
	img := images[0]
	if img.Repository != "library/busybox" || img.Tag != "latest" {
		t.Errorf("unexpected image identity: %+v", img)
	}
	if img.SizeBytes != 150 {
		t.Errorf("SizeBytes = %d, want 150", img.SizeBytes)
	}
	if img.Path != dir {
		t.Errorf("Path = %q, want %q", img.Path, dir)
	}
}

func TestLayerFilesOrder(t *testing.T) {
	dir := t.TempDir()
	// Created out of order on purpose; lexicographic sort restores it.
	for _, name := range []string{"layer_002_sha256_bbb.tar.gz", "layer_001_sha256_aaa.tar.gz", "layer_010_sha256_ccc.tar.gz"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := LayerFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"layer_001_sha256_aaa.tar.gz", "layer_002_sha256_bbb.tar.gz", "layer_010_sha256_ccc.tar.gz"}
	if len(files) != len(want) {
		t.Fatalf("got %d files, want %d", len(files), len(want))
	}
	for i, f := range files {
		if filepath.Base(f) != want[i] {
			t.Errorf("file %d = %s, want %s", i, filepath.Base(f), want[i])
		}
	}
}

func TestLayerFilesErrors(t *testing.T) {
	if _, err := LayerFiles(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}
	if _, err := LayerFiles(t.TempDir()); !errors.Is(err, ErrNoLayers) {
		t.Errorf("expected ErrNoLayers, got %v", err)
	}
}
