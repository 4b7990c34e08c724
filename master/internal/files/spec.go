package files

import (
	"crypto/md5" // #nosec G501
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/archive"
	"github.com/determined-ai/vine/master/pkg/model"
)

// ErrInvalidFile is returned for file declarations that cannot be materialized anywhere.
var ErrInvalidFile = errors.New("invalid file declaration")

// Spec is how an application declares a file.
type Spec struct {
	Kind model.FileKind `json:"kind"`
	// Source is a local path for regular and directory files, and a URL for url files.
	Source string `json:"source,omitempty"`
	// Data holds the contents of buffer files.
	Data  []byte           `json:"data,omitempty"`
	Scope model.CacheScope `json:"scope,omitempty"`
	// Name pins the cached name. It is only set when restoring from a checkpoint.
	Name string `json:"name,omitempty"`
}

// Validate implements the check.Validatable interface.
func (s Spec) Validate() []error {
	var errs []error
	switch s.Kind {
	case model.RegularFile, model.DirectoryFile, model.URLFile:
		if s.Source == "" {
			errs = append(errs, errors.Wrapf(ErrInvalidFile, "%s file needs a source", s.Kind))
		}
	case model.BufferFile, model.TempFile:
	default:
		errs = append(errs, errors.Wrapf(ErrInvalidFile, "unknown file kind %q", s.Kind))
	}
	switch s.Scope {
	case "", model.CacheTask, model.CacheWorker, model.CacheUnlink:
	default:
		errs = append(errs, errors.Wrapf(ErrInvalidFile, "unknown cache scope %q", s.Scope))
	}
	if s.Scope == model.CacheUnlink && s.Kind != model.RegularFile && s.Kind != model.DirectoryFile {
		errs = append(errs, errors.Wrapf(ErrInvalidFile, "only local files can be unlinked"))
	}
	return errs
}

func (s Spec) withDefaults() (Spec, error) {
	if s.Scope == "" {
		s.Scope = model.CacheTask
		if s.Kind == model.TempFile {
			s.Scope = model.CacheWorker
		}
	}
	if s.Kind == model.RegularFile || s.Kind == model.DirectoryFile {
		abs, err := filepath.Abs(s.Source)
		if err != nil {
			return s, errors.Wrapf(err, "resolving %s", s.Source)
		}
		s.Source = abs
	}
	return s, nil
}

// cachedName derives the name a file is cached under on workers. Local files hash their path
// with their size and modification time, so an edited input is never served from a stale cache.
// Output files that do not exist yet hash their path alone.
func cachedName(s Spec) (name string, size int64, err error) {
	if s.Name != "" {
		return s.Name, 0, nil
	}

	h := md5.New() // #nosec G401
	_, _ = fmt.Fprintf(h, "%s\x00%s\x00", s.Kind, s.Scope)
	var prefix, base string
	switch s.Kind {
	case model.RegularFile, model.DirectoryFile:
		prefix, base = "file", filepath.Base(s.Source)
		_, _ = h.Write([]byte(s.Source))
		if info, statErr := os.Stat(s.Source); statErr == nil {
			size = info.Size()
			if info.IsDir() {
				if size, err = archive.Size(s.Source); err != nil {
					return "", 0, err
				}
			}
			_, _ = fmt.Fprintf(h, "\x00%d\x00%d", size, info.ModTime().UnixNano())
		}
	case model.URLFile:
		prefix, base = "url", filepath.Base(s.Source)
		_, _ = h.Write([]byte(s.Source))
	case model.BufferFile:
		prefix, base = "buffer", ""
		_, _ = h.Write(s.Data)
		size = int64(len(s.Data))
	case model.TempFile:
		return "temp-" + uuid.New().String(), 0, nil
	}

	name = prefix + "-" + hex.EncodeToString(h.Sum(nil))
	if base = sanitize(base); base != "" {
		name += "-" + base
	}
	return name, size, nil
}

// sanitize keeps the characters that are safe in a URL path segment and a file name.
func sanitize(base string) string {
	out := make([]byte, 0, len(base))
	for i := 0; i < len(base) && len(out) < 64; i++ {
		switch c := base[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			out = append(out, c)
		case c == '?' || c == '#':
			i = len(base)
		}
	}
	if s := string(out); s != "." && s != ".." {
		return s
	}
	return ""
}
