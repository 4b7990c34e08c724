package files

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/archive"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

// ErrUploadNotExpected is returned for uploads of files no task is being retrieved for.
var ErrUploadNotExpected = errors.New("upload not expected")

// Origin locates the manager-side bytes of a file.
type Origin struct {
	Kind model.FileKind
	Path string
	Data []byte
}

// Store serves file contents to workers and receives uploaded outputs. Unlike Catalog it is safe
// for concurrent use, since it is called from HTTP handlers.
type Store struct {
	mu         sync.RWMutex
	origins    map[string]Origin
	expected   set.Set[string]
	stagingDir string
}

// NewStore returns a store that keeps uploads without a declared path under stagingDir.
func NewStore(stagingDir string) *Store {
	return &Store{
		origins:    make(map[string]Origin),
		expected:   set.New[string](),
		stagingDir: stagingDir,
	}
}

// Register records where the bytes of name live.
func (s *Store) Register(name string, o Origin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origins[name] = o
}

// Forget drops name.
func (s *Store) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.origins, name)
	s.expected.Remove(name)
}

// ExpectUpload allows workers to upload name until UploadSettled is called.
func (s *Store) ExpectUpload(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected.Insert(name)
}

// UploadSettled stops accepting uploads of name.
func (s *Store) UploadSettled(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected.Remove(name)
}

// Lookup returns the origin of name.
func (s *Store) Lookup(name string) (Origin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.origins[name]
	return o, ok
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

// Open returns the contents of a regular or buffer file.
func (s *Store) Open(name string) (io.ReadSeekCloser, error) {
	o, ok := s.Lookup(name)
	switch {
	case !ok:
		return nil, errors.Wrap(ErrUnknownFile, name)
	case o.Kind == model.DirectoryFile:
		return nil, errors.Errorf("%s is a directory", name)
	case o.Path == "":
		return nopSeekCloser{bytes.NewReader(o.Data)}, nil
	}
	f, err := os.Open(o.Path) // #nosec G304
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	return f, nil
}

// Receive writes an uploaded output starting at offset and returns the resulting file size. Only
// expected uploads are accepted, so declared inputs are never overwritten. Directory uploads are
// tar streams and cannot be resumed.
func (s *Store) Receive(name string, offset int64, body io.Reader) (int64, error) {
	s.mu.Lock()
	o, ok := s.origins[name]
	if ok && !s.expected.Contains(name) {
		s.mu.Unlock()
		return 0, errors.Wrap(ErrUploadNotExpected, name)
	}
	if ok && o.Path == "" {
		o.Path = filepath.Join(s.stagingDir, name)
		s.origins[name] = o
	}
	s.mu.Unlock()
	if !ok {
		return 0, errors.Wrap(ErrUnknownFile, name)
	}

	if o.Kind == model.DirectoryFile {
		if offset != 0 {
			return 0, errors.New("directory uploads cannot be resumed")
		}
		if err := os.RemoveAll(o.Path); err != nil {
			return 0, errors.Wrapf(err, "clearing %s", o.Path)
		}
		return archive.Extract(body, o.Path)
	}

	if err := os.MkdirAll(filepath.Dir(o.Path), 0o755); err != nil {
		return 0, errors.Wrap(err, "creating upload directory")
	}
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(o.Path, flags, 0o644) // #nosec G304
	if err != nil {
		return 0, errors.Wrapf(err, "opening %s", o.Path)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "seeking %s to %d", o.Path, offset)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return offset + n, errors.Wrapf(err, "writing %s", o.Path)
	}
	return offset + n, f.Sync()
}
