package mikoshi

import (
	"archive/tar"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// wrappedEntries is a release-shaped archive: one versioned top-level
// directory with everything under it.
var wrappedEntries = []tarEntry{
	{name: "pkg-1.0/", mode: 0o755, typ: tar.TypeDir},
	{name: "pkg-1.0/bin/", mode: 0o755, typ: tar.TypeDir},
	{name: "pkg-1.0/bin/tool", mode: 0o755, typ: tar.TypeReg, content: "TOOL"},
	{name: "pkg-1.0/lib/", mode: 0o755, typ: tar.TypeDir},
	{name: "pkg-1.0/lib/libx.so", mode: 0o777, typ: tar.TypeSymlink, link: "libx.so.1"},
	{name: "pkg-1.0/lib/libx.so.1", mode: 0o644, typ: tar.TypeReg, content: "LIB"},
}

func writeCompressed(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var w io.WriteCloser
	switch filepath.Ext(path) {
	case ".gz":
		w = pgzip.NewWriter(f)
	case ".xz":
		w, err = xz.NewWriter(f)
		require.NoError(t, err)
	case ".zst":
		w, err = zstd.NewWriter(f)
		require.NoError(t, err)
	case ".tar":
		writeTarTo(t, f, entries)
		return
	default:
		t.Fatalf("unhandled fixture extension for %s", path)
	}
	writeTarTo(t, w, entries)
	require.NoError(t, w.Close())
}

func TestExtractArchive_PureGoReader(t *testing.T) {
	// An empty PATH hides the system tar so the fallback reader runs.
	t.Setenv("PATH", t.TempDir())

	for _, name := range []string{"demo.tar", "demo.tar.gz", "demo.tar.xz", "demo.tar.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			writeCompressed(t, path, wrappedEntries)
			dest := t.TempDir()

			require.NoError(t, extractArchive(path, dest, true))

			data, err := os.ReadFile(filepath.Join(dest, "bin", "tool"))
			require.NoError(t, err)
			require.Equal(t, "TOOL", string(data))

			info, err := os.Stat(filepath.Join(dest, "bin", "tool"))
			require.NoError(t, err)
			require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

			target, err := os.Readlink(filepath.Join(dest, "lib", "libx.so"))
			require.NoError(t, err)
			require.Equal(t, "libx.so.1", target)

			// The wrapper directory itself is gone.
			require.NoDirExists(t, filepath.Join(dest, "pkg-1.0"))
		})
	}
}

func TestExtractArchive_NoStripKeepsWrapper(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	path := filepath.Join(t.TempDir(), "demo.tar")
	writeCompressed(t, path, wrappedEntries)
	dest := t.TempDir()

	require.NoError(t, extractArchive(path, dest, false))
	require.FileExists(t, filepath.Join(dest, "pkg-1.0", "bin", "tool"))
}

func TestExtractArchive_UnsupportedFormat(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	path := filepath.Join(t.TempDir(), "demo.rar")
	require.NoError(t, os.WriteFile(path, []byte("not an archive"), 0o644))

	err := extractArchive(path, t.TempDir(), false)
	require.ErrorContains(t, err, "unsupported archive format")
}

func TestExtractArchive_MissingFile(t *testing.T) {
	t.Parallel()
	err := extractArchive(filepath.Join(t.TempDir(), "gone.tar"), t.TempDir(), false)
	require.Error(t, err)
}

func TestArchiveHasSingleTop(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("needs a host tar to list archives")
	}

	dir := t.TempDir()

	single := filepath.Join(dir, "single.tar")
	writeTarFile(t, single, wrappedEntries)
	ok, err := archiveHasSingleTop(single)
	require.NoError(t, err)
	require.True(t, ok)

	multi := filepath.Join(dir, "multi.tar")
	writeTarFile(t, multi, []tarEntry{
		{name: "a/", mode: 0o755, typ: tar.TypeDir},
		{name: "a/x", mode: 0o644, typ: tar.TypeReg, content: "X"},
		{name: "b.txt", mode: 0o644, typ: tar.TypeReg, content: "B"},
	})
	ok, err = archiveHasSingleTop(multi)
	require.NoError(t, err)
	require.False(t, ok)

	flat := filepath.Join(dir, "flat.tar")
	writeTarFile(t, flat, []tarEntry{
		{name: "README", mode: 0o644, typ: tar.TypeReg, content: "hi"},
	})
	ok, err = archiveHasSingleTop(flat)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompressXZRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "build.log")
	content := []byte("line one\nline two\nline three\n")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	dst := filepath.Join(dir, "build.log.xz")
	require.NoError(t, compressXZ(src, dst))

	got, err := readXZFile(dst)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
