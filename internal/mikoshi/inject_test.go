package mikoshi

import (
	"archive/tar"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// injectFixture assembles everything the second round consumes: a scratch
// dir holding the first-round bundle, a staging tree, a runtime tarball
// with the usual single-directory wrapper, and a repack tool download.
func injectFixture(t *testing.T) (*PipelineConfig, *StagingResult, *PackageResult, fetchFunc) {
	t.Helper()

	scratch := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	stagingRoot := filepath.Join(t.TempDir(), stagingRootName)
	libDir := filepath.Join(stagingRoot, "usr", "lib")
	require.NoError(t, os.MkdirAll(libDir, 0o755))

	runtimeTar := filepath.Join(t.TempDir(), "wine-9.0-amd64.tar")
	writeTarFile(t, runtimeTar, []tarEntry{
		{name: "wine-9.0-amd64/", mode: 0o755, typ: tar.TypeDir},
		{name: "wine-9.0-amd64/bin/", mode: 0o755, typ: tar.TypeDir},
		{name: "wine-9.0-amd64/bin/wine", mode: 0o755, typ: tar.TypeReg, content: "WINE"},
		{name: "wine-9.0-amd64/bin/wine64", mode: 0o777, typ: tar.TypeSymlink, link: "wine"},
		{name: "wine-9.0-amd64/lib/", mode: 0o755, typ: tar.TypeDir},
		{name: "wine-9.0-amd64/lib/libwine.so", mode: 0o777, typ: tar.TypeSymlink, link: "libwine.so.1"},
		{name: "wine-9.0-amd64/lib/libwine.so.1", mode: 0o644, typ: tar.TypeReg, content: "LIB"},
	})

	repackTool := filepath.Join(t.TempDir(), "dl-repack")
	require.NoError(t, os.WriteFile(repackTool, []byte("TOOL"), 0o644))

	cfg := &PipelineConfig{
		Product:        "demo",
		ScratchDir:     scratch,
		RuntimeVersion: "9.0",
		RuntimeTarball: "wine-9.0-amd64.tar",
		RuntimeURL:     "https://example.invalid/wine-9.0-amd64.tar",
		RuntimeSubdir:  "wine",
		RepackToolURL:  "https://example.invalid/appimagetool-x86_64.AppImage",
	}
	fetch := stubFetch(map[string]string{
		cfg.RuntimeURL:    runtimeTar,
		cfg.RepackToolURL: repackTool,
	})

	bundle := filepath.Join(scratch, artifactName("demo"))
	require.NoError(t, os.WriteFile(bundle, []byte("IMAGE"), 0o755))

	staging := &StagingResult{Root: stagingRoot, BinDir: filepath.Join(stagingRoot, "usr", "bin"), LibDir: libDir}
	pkg := &PackageResult{BundlePath: bundle}
	return cfg, staging, pkg, fetch
}

// appimageHook simulates the two external tools of the second round:
// self-extraction of a packed image and the repack run.
func appimageHook(cmd *exec.Cmd) error {
	switch {
	case len(cmd.Args) == 2 && cmd.Args[1] == "--appimage-extract":
		root := filepath.Join(cmd.Dir, "squashfs-root")
		if err := os.MkdirAll(filepath.Join(root, "usr", "bin"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(root, "AppRun"), []byte("#!/bin/sh\n"), 0o755)
	case strings.HasSuffix(cmd.Args[0], "AppRun") && len(cmd.Args) == 3:
		return os.WriteFile(filepath.Join(cmd.Dir, cmd.Args[2]), []byte("FINAL"), 0o755)
	}
	return nil
}

func TestInjectRuntime_GraftsRuntimeAndRepacks(t *testing.T) {
	cfg, staging, pkg, fetch := injectFixture(t)
	runner := &fakeRunner{hook: appimageHook}

	res, err := injectRuntime(cfg, staging, pkg, runner, fetch)
	require.NoError(t, err)

	// Runtime landed in staging with the wrapper directory stripped.
	require.Equal(t, filepath.Join(staging.LibDir, "wine"), res.RuntimeDir)
	data, err := os.ReadFile(filepath.Join(res.RuntimeDir, "bin", "wine"))
	require.NoError(t, err)
	require.Equal(t, "WINE", string(data))
	require.NoDirExists(t, filepath.Join(res.RuntimeDir, "wine-9.0-amd64"))

	// Grafted into the unpacked bundle tree with links intact.
	graft := filepath.Join(cfg.ScratchDir, "unpack", "squashfs-root", "usr", "lib", "wine")
	target, err := os.Readlink(filepath.Join(graft, "bin", "wine64"))
	require.NoError(t, err)
	require.Equal(t, "wine", target)
	target, err = os.Readlink(filepath.Join(graft, "lib", "libwine.so"))
	require.NoError(t, err)
	require.Equal(t, "libwine.so.1", target)

	// Repacked over the first-round bundle in scratch.
	require.Equal(t, filepath.Join(cfg.ScratchDir, artifactName("demo")), res.FinalPath)
	data, err = os.ReadFile(res.FinalPath)
	require.NoError(t, err)
	require.Equal(t, "FINAL", string(data))

	// The repack tool was told the target architecture.
	repack := runner.cmds[len(runner.cmds)-1]
	require.Equal(t, arch64Tag(), envValue(repack.Env, "ARCH"))
	require.Equal(t, filepath.Join(cfg.ScratchDir, "unpack", "squashfs-root"), repack.Args[1])
}

func TestInjectRuntime_RequiresInitialBundle(t *testing.T) {
	_, err := injectRuntime(&PipelineConfig{}, nil, nil, &fakeRunner{}, stubFetch(nil))
	var injErr *InjectError
	require.ErrorAs(t, err, &injErr)
	require.ErrorContains(t, err, "no initial bundle")

	_, err = injectRuntime(&PipelineConfig{}, nil, &PackageResult{}, &fakeRunner{}, stubFetch(nil))
	require.ErrorAs(t, err, &injErr)
}

func TestInjectRuntime_RejectsChecksumMismatch(t *testing.T) {
	cfg, staging, pkg, fetch := injectFixture(t)
	cfg.RuntimeB3Sum = strings.Repeat("0", 64)

	_, err := injectRuntime(cfg, staging, pkg, &fakeRunner{hook: appimageHook}, fetch)
	var injErr *InjectError
	require.ErrorAs(t, err, &injErr)
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestInjectRuntime_RejectsMultiRootRuntime(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("needs a host tar to probe archive layout")
	}

	cfg, staging, pkg, _ := injectFixture(t)
	multiTar := filepath.Join(t.TempDir(), "wine-9.0-amd64.tar")
	writeTarFile(t, multiTar, []tarEntry{
		{name: "bin/", mode: 0o755, typ: tar.TypeDir},
		{name: "bin/wine", mode: 0o755, typ: tar.TypeReg, content: "WINE"},
		{name: "README", mode: 0o644, typ: tar.TypeReg, content: "loose file"},
	})
	fetch := stubFetch(map[string]string{
		cfg.RuntimeURL: multiTar,
	})

	_, err := injectRuntime(cfg, staging, pkg, &fakeRunner{hook: appimageHook}, fetch)
	var injErr *InjectError
	require.ErrorAs(t, err, &injErr)
	require.ErrorContains(t, err, "single top-level directory")
}
