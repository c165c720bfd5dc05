// Package image manages the on-disk layout of pulled images: one directory
// per repo:tag under the artifacts root, holding numbered layer tarballs.
package image

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrImageNotFound means the image directory does not exist locally.
	ErrImageNotFound = errors.New("image not pulled")
	// ErrNoLayers means the image directory holds no layer files.
	ErrNoLayers = errors.New("image has no layers")
)

// Image describes one pulled image.
type Image struct {
	Repository string
	Tag        string
	Path       string
	SizeBytes  int64
}

// Store is rooted at the artifacts directory. There is no locking; listings
// are snapshots.
type Store struct {
	root string
	log  *zap.SugaredLogger
}

// NewStore returns a store over root.
func NewStore(root string, log *zap.SugaredLogger) *Store {
	return &Store{root: root, log: log.Named("images")}
}

// Root returns the artifacts directory.
func (s *Store) Root() string { return s.root }

// Dir computes the per-image directory for repository:tag. Slashes in the
// repository are flattened to underscores.
func (s *Store) Dir(repository, tag string) string {
	return filepath.Join(s.root, strings.ReplaceAll(repository, "/", "_")+"_"+tag)
}

// List enumerates pulled images. Directory names split at the rightmost
// underscore into (flattened repo, tag); sizes sum every regular file
// underneath.
func (s *Store) List() ([]Image, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading artifacts dir %s: %w", s.root, err)
	}

	var images []Image
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		repo, tag := parseDirName(d.Name())
		path := filepath.Join(s.root, d.Name())

		size, err := dirSize(path)
		if err != nil {
			s.log.Warnw("sizing image dir", "path", path, "error", err)
		}

		images = append(images, Image{
			Repository: repo,
			Tag:        tag,
			Path:       path,
			SizeBytes:  size,
		})
	}
	return images, nil
}

// LayerFiles returns the layer tarballs of an image directory sorted
// lexicographically, which equals manifest order by the layer_NNN_ naming.
func LayerFiles(imageDir string) ([]string, error) {
	if _, err := os.Stat(imageDir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageDir)
		}
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(imageDir, "layer_*.tar.gz"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLayers, imageDir)
	}
	sort.Strings(matches)
	return matches, nil
}

func parseDirName(name string) (repo, tag string) {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return name, "unknown"
	}
	return strings.ReplaceAll(name[:idx], "_", "/"), name[idx+1:]
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
