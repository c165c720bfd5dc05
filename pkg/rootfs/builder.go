// Package rootfs materializes an image's layered filesystem: each layer
// tarball is extracted in manifest order into a scratch directory, later
// entries overwriting earlier ones.
package rootfs

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nielstenboom/shocker/pkg/image"
)

// whiteoutPrefix marks layer entries that delete a path from lower layers.
const whiteoutPrefix = ".wh."

// Build extracts all layers of imageDir into a fresh directory under /tmp
// and returns its path. Ownership of the directory transfers to the caller,
// including removal.
func Build(imageDir string, log *zap.SugaredLogger) (string, error) {
	log = log.Named("rootfs")

	layers, err := image.LayerFiles(imageDir)
	if err != nil {
		return "", err
	}

	root := filepath.Join(os.TempDir(), "shocker_"+uuid.NewString()[:8])
	if err := os.Mkdir(root, 0o755); err != nil {
		return "", fmt.Errorf("creating rootfs dir: %w", err)
	}

	for i, layer := range layers {
		log.Infow("extracting layer", "index", i+1, "of", len(layers), "file", filepath.Base(layer))
		if err := extractLayer(layer, root, log); err != nil {
			os.RemoveAll(root)
			return "", fmt.Errorf("extracting %s: %w", filepath.Base(layer), err)
		}
	}

	log.Infow("rootfs ready", "path", root, "layers", len(layers))
	return root, nil
}

func extractLayer(path, root string, log *zap.SugaredLogger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		if err := writeEntry(root, hdr, tr, log); err != nil {
			return err
		}
	}
}

// writeEntry applies one tar entry to the rootfs. Entries that resolve
// outside the root are rejected; whiteout entries delete the named path
// instead of being written.
func writeEntry(root string, hdr *tar.Header, r io.Reader, log *zap.SugaredLogger) error {
	target, err := securePath(root, hdr.Name)
	if err != nil {
		return err
	}

	base := filepath.Base(hdr.Name)
	if strings.HasPrefix(base, whiteoutPrefix) {
		victim := filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, whiteoutPrefix))
		if err := os.RemoveAll(victim); err != nil {
			return fmt.Errorf("applying whiteout %s: %w", hdr.Name, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode.Perm()); err != nil {
			return err
		}

	case tar.TypeReg:
		// Later layers overwrite earlier ones, including type changes.
		if err := removeIfPresent(target); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("writing %s: %w", hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return err
		}

	case tar.TypeSymlink:
		if err := removeIfPresent(target); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}

	case tar.TypeLink:
		src, err := securePath(root, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := removeIfPresent(target); err != nil {
			return err
		}
		if err := os.Link(src, target); err != nil {
			return err
		}

	case tar.TypeFifo:
		if err := removeIfPresent(target); err != nil {
			return err
		}
		if err := unix.Mkfifo(target, uint32(mode.Perm())); err != nil {
			return fmt.Errorf("mkfifo %s: %w", hdr.Name, err)
		}

	case tar.TypeChar, tar.TypeBlock:
		if err := removeIfPresent(target); err != nil {
			return err
		}
		devMode := uint32(mode.Perm())
		if hdr.Typeflag == tar.TypeChar {
			devMode |= unix.S_IFCHR
		} else {
			devMode |= unix.S_IFBLK
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(target, devMode, int(dev)); err != nil {
			// Device nodes are rare in layers and not required for the
			// chrooted command to run.
			log.Debugw("skipping device node", "name", hdr.Name, "error", err)
		}

	default:
		log.Debugw("skipping unsupported tar entry", "name", hdr.Name, "type", hdr.Typeflag)
	}

	if hdr.Typeflag != tar.TypeSymlink {
		os.Chown(target, hdr.Uid, hdr.Gid)
	}
	return nil
}

// securePath joins name onto root and rejects anything that escapes it.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar entry %q escapes rootfs", name)
	}
	return target, nil
}

func removeIfPresent(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return os.RemoveAll(path)
	}
	return nil
}
