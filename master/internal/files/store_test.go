package files

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/determined-ai/vine/master/pkg/archive"
	"github.com/determined-ai/vine/master/pkg/model"
)

func TestStoreReceiveResumes(t *testing.T) {
	staging := t.TempDir()
	s := NewStore(staging)
	s.Register("buffer-out", Origin{Kind: model.BufferFile})
	s.ExpectUpload("buffer-out")

	n, err := s.Receive("buffer-out", 0, strings.NewReader("hello "))
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
	n, err = s.Receive("buffer-out", 6, strings.NewReader("world"))
	require.NoError(t, err)
	require.Equal(t, int64(11), n)

	r, err := s.Open("buffer-out")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	o, ok := s.Lookup("buffer-out")
	require.True(t, ok)
	require.Equal(t, filepath.Join(staging, "buffer-out"), o.Path)

	_, err = s.Receive("missing", 0, strings.NewReader("x"))
	require.ErrorIs(t, err, ErrUnknownFile)
}

func TestStoreServesBuffersAndDirectories(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Register("buffer-in", Origin{Kind: model.BufferFile, Data: []byte("data")})
	r, err := s.Open("buffer-in")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "data", string(got))

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("aa"), 0o600))
	var tarball bytes.Buffer
	require.NoError(t, archive.WriteDir(&tarball, src))

	dst := filepath.Join(t.TempDir(), "outdir")
	s.Register("file-dir", Origin{Kind: model.DirectoryFile, Path: dst})
	s.ExpectUpload("file-dir")
	_, err = s.Open("file-dir")
	require.Error(t, err)
	n, err := s.Receive("file-dir", 0, &tarball)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.FileExists(t, filepath.Join(dst, "a"))

	_, err = s.Receive("file-dir", 10, strings.NewReader(""))
	require.Error(t, err)
}

func TestStoreRejectsUnexpectedUploads(t *testing.T) {
	src := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(src, []byte("application data"), 0o600))
	s := NewStore(t.TempDir())
	s.Register("file-input", Origin{Kind: model.RegularFile, Path: src})

	_, err := s.Receive("file-input", 0, strings.NewReader("X"))
	require.ErrorIs(t, err, ErrUploadNotExpected)
	got, err := os.ReadFile(src) // #nosec G304
	require.NoError(t, err)
	require.Equal(t, "application data", string(got))

	s.ExpectUpload("file-input")
	n, err := s.Receive("file-input", 0, strings.NewReader("output"))
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	s.UploadSettled("file-input")
	_, err = s.Receive("file-input", 0, strings.NewReader("late"))
	require.ErrorIs(t, err, ErrUploadNotExpected)
}
