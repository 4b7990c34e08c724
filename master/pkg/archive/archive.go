// Package archive streams directory files between the manager and workers as tarballs.
package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Size returns the total bytes of regular files under root.
func Size(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, errors.Wrapf(err, "sizing %s", root)
}

// WriteDir writes the tree under root to w as an uncompressed tar stream. Entry names are
// relative to root. Symlinks are skipped.
func WriteDir(w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(path) // #nosec G304
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "archiving %s", root)
	}
	return errors.Wrap(tw.Close(), "finishing tar stream")
}

// Extract unpacks a tar stream written by WriteDir into dst, creating it if needed. Entries that
// would escape dst are rejected. It returns the number of content bytes written.
func Extract(r io.Reader, dst string) (int64, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, errors.Wrapf(err, "creating %s", dst)
	}
	var written int64
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		switch {
		case err == io.EOF:
			return written, nil
		case err != nil:
			return written, errors.Wrap(err, "reading tar stream")
		}

		target := filepath.Join(dst, filepath.FromSlash(hdr.Name))
		if target != dst && !strings.HasPrefix(target, filepath.Clean(dst)+string(filepath.Separator)) {
			return written, errors.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, errors.Wrapf(err, "creating %s", target)
			}
		case tar.TypeReg:
			n, err := extractFile(tr, target, hdr.FileInfo().Mode().Perm())
			written += n
			if err != nil {
				return written, err
			}
		}
	}
}

func extractFile(r io.Reader, target string, perm fs.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, errors.Wrapf(err, "creating parent of %s", target)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm) // #nosec G304
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", target)
	}
	n, err := io.Copy(f, r) // #nosec G110
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, errors.Wrapf(err, "writing %s", target)
}
