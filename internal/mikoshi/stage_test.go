package mikoshi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// stagingFixture builds a workspace with build outputs, aux assets, fake
// host tools on a private PATH, a host library directory and a cached
// helper script, which is everything assembleStaging consumes.
func stagingFixture(t *testing.T) (*PipelineConfig, *SourceInfo, *BuildResult, fetchFunc) {
	t.Helper()
	ws := t.TempDir()

	outDir := filepath.Join(ws, "build", outputSubdir)
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	writeELF(t, filepath.Join(outDir, "demo"), 0o755)

	assetDir := filepath.Join(ws, "appimage")
	require.NoError(t, os.MkdirAll(assetDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(assetDir, "demo.desktop"),
		[]byte("[Desktop Entry]\nName=Demo\nExec=demo.sh\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(assetDir, "demo.png"), []byte("\x89PNG"), 0o644))
	writeScript(t, filepath.Join(assetDir, "demo.sh"), 0o644)

	toolDir := t.TempDir()
	writeScript(t, filepath.Join(toolDir, "fakesh"), 0o755)
	writeELF(t, filepath.Join(toolDir, "fake7z"), 0o755)
	t.Setenv("PATH", toolDir)

	hostLib := filepath.Join(t.TempDir(), "p7zip")
	require.NoError(t, os.MkdirAll(hostLib, 0o755))
	writeELF(t, filepath.Join(hostLib, "7z-real"), 0o755)
	require.NoError(t, os.WriteFile(filepath.Join(hostLib, "7z.so"), []byte("lib"), 0o644))

	helper := filepath.Join(t.TempDir(), "helperscript")
	writeScript(t, helper, 0o644)

	cfg := &PipelineConfig{
		Product:    "demo",
		AssetDir:   "appimage",
		HostTools:  []string{"fakesh", "fake7z"},
		HostLibDir: hostLib,
		HelperURL:  "https://example.invalid/helperscript",
		HelperName: "helperscript",
	}
	src := &SourceInfo{WorkspaceRoot: ws}
	build := &BuildResult{OutputDir: outDir}
	fetch := stubFetch(map[string]string{cfg.HelperURL: helper})
	return cfg, src, build, fetch
}

func TestAssembleStaging_BuildsCanonicalTree(t *testing.T) {
	cfg, src, build, fetch := stagingFixture(t)

	res, err := assembleStaging(cfg, src, build, fetch)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(src.WorkspaceRoot, stagingRootName), res.Root)
	require.Equal(t, filepath.Join(res.Root, "usr", "bin"), res.BinDir)
	require.Equal(t, filepath.Join(res.Root, "usr", "lib"), res.LibDir)

	require.FileExists(t, filepath.Join(res.BinDir, "demo"))
	require.FileExists(t, res.Desktop)
	require.FileExists(t, res.Icon)
	require.FileExists(t, filepath.Join(res.BinDir, "fakesh"))

	require.Equal(t, filepath.Join(res.LibDir, "p7zip"), res.ExtraBinDir)
	require.FileExists(t, filepath.Join(res.ExtraBinDir, "7z-real"))
	require.FileExists(t, filepath.Join(res.ExtraBinDir, "7z.so"))

	// The launcher and the downloaded helper must be runnable.
	for _, name := range []string{"demo.sh", "helperscript"} {
		info, err := os.Stat(filepath.Join(res.BinDir, name))
		require.NoError(t, err)
		require.NotZero(t, info.Mode().Perm()&0o111, "%s must be executable", name)
	}
}

func TestAssembleStaging_IsReproducible(t *testing.T) {
	cfg, src, build, fetch := stagingFixture(t)

	res1, err := assembleStaging(cfg, src, build, fetch)
	require.NoError(t, err)
	sig1, err := treeSignature(res1.Root)
	require.NoError(t, err)

	// Pollute the tree, then assemble again from the same inputs.
	require.NoError(t, os.WriteFile(filepath.Join(res1.Root, "stray"), []byte("x"), 0o644))

	res2, err := assembleStaging(cfg, src, build, fetch)
	require.NoError(t, err)
	sig2, err := treeSignature(res2.Root)
	require.NoError(t, err)

	require.Equal(t, sig1, sig2)
}

func TestAssembleStaging_MissingHostTool(t *testing.T) {
	cfg, src, build, fetch := stagingFixture(t)
	cfg.HostTools = []string{"no-such-tool-anywhere"}

	_, err := assembleStaging(cfg, src, build, fetch)
	var assetErr *AssetError
	require.ErrorAs(t, err, &assetErr)
	require.ErrorContains(t, err, "no-such-tool-anywhere")
}

func TestAssembleStaging_MissingAuxAsset(t *testing.T) {
	cfg, src, build, fetch := stagingFixture(t)
	require.NoError(t, os.Remove(filepath.Join(src.WorkspaceRoot, "appimage", "demo.png")))

	_, err := assembleStaging(cfg, src, build, fetch)
	var assetErr *AssetError
	require.ErrorAs(t, err, &assetErr)
}

func TestAssembleStaging_MissingHostLibDir(t *testing.T) {
	cfg, src, build, fetch := stagingFixture(t)
	cfg.HostLibDir = filepath.Join(t.TempDir(), "gone")

	_, err := assembleStaging(cfg, src, build, fetch)
	var assetErr *AssetError
	require.ErrorAs(t, err, &assetErr)
}

func TestStagedTreeClassifiesOnlyNativeBinaries(t *testing.T) {
	cfg, src, build, fetch := stagingFixture(t)

	res, err := assembleStaging(cfg, src, build, fetch)
	require.NoError(t, err)

	// Scripts and data files share the staged dirs with the real
	// binaries; only the latter may reach dependency resolution.
	execs, err := classifyExecutables(res.BinDir, res.ExtraBinDir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(res.BinDir, "demo"),
		filepath.Join(res.BinDir, "fake7z"),
		filepath.Join(res.ExtraBinDir, "7z-real"),
	}, execs)
}
