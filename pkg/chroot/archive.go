package chroot

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// extractArchive streams a tar archive (optionally gzip/xz/zstd
// compressed, selected by tarType) from src into destRoot, guarding
// every entry path against traversal outside destRoot.
func extractArchive(src io.Reader, tarType, destRoot string) error {
	reader, closer, err := openArchiveReader(src, tarType)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chroot: archive read: %w", err)
		}

		name, err := normalizeEntryName(header.Name)
		if err != nil {
			return err
		}
		target, err := resolveTargetPath(destRoot, name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, header.FileInfo().Mode().Perm())
			if err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("chroot: %w", err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
		default:
			// device nodes, fifos etc. have no place in a build root
			// staged from an archive; skip silently rather than fail the
			// whole install over an entry no build script will touch.
		}
	}
}

func openArchiveReader(src io.Reader, tarType string) (io.Reader, io.Closer, error) {
	switch tarType {
	case "tar", "":
		return src, nil, nil
	case "tar.gz":
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("chroot: gzip: %w", err)
		}
		return gz, gz, nil
	case "tar.xz":
		xzr, err := xz.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("chroot: xz: %w", err)
		}
		return xzr, nil, nil
	case "tar.zst":
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("chroot: zstd: %w", err)
		}
		return zr.IOReadCloser(), zr.IOReadCloser(), nil
	default:
		return nil, nil, fmt.Errorf("chroot: unsupported archive encoding %q", tarType)
	}
}

func normalizeEntryName(value string) (string, error) {
	cleaned := filepath.Clean(value)
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("chroot: invalid archive entry path %q", value)
	}
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("chroot: archive entry path escapes root: %q", value)
	}
	return filepath.ToSlash(cleaned), nil
}

func resolveTargetPath(root, rel string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	cleanTarget := filepath.Clean(target)
	if cleanTarget != cleanRoot && !strings.HasPrefix(cleanTarget, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("chroot: archive entry path escapes target root: %q", rel)
	}
	return target, nil
}
