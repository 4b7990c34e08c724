package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteDirExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "deeper", "b.bin"), []byte{1, 2, 3}, 0o600))

	size, err := Size(src)
	require.NoError(t, err)
	require.Equal(t, int64(8), size)

	var buf bytes.Buffer
	require.NoError(t, WriteDir(&buf, src))

	dst := filepath.Join(t.TempDir(), "out")
	n, err := Extract(&buf, dst)
	require.NoError(t, err)
	require.Equal(t, int64(8), n)

	got, err := os.ReadFile(filepath.Join(dst, "sub", "deeper", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
	got, err = os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(got))
}

func TestExtractRejectsEscapes(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1,
	}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Extract(&buf, t.TempDir())
	require.ErrorContains(t, err, "escapes destination")
}
