package mikoshi

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBundleState(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"staged", "packaged", "injected", "finalized"} {
		st, err := parseBundleState(name)
		require.NoError(t, err)
		require.Equal(t, BundleState(name), st)
	}

	// "unbuilt" exists as a state but is not a stop point.
	for _, bad := range []string{"unbuilt", "bundled", ""} {
		_, err := parseBundleState(bad)
		require.Error(t, err, "state %q", bad)
	}
}

func TestPipeline_PhasePreconditions(t *testing.T) {
	t.Parallel()

	p := &Pipeline{cfg: &PipelineConfig{}, state: StateUnbuilt}
	var pkgErr *PackageError
	require.ErrorAs(t, p.Package(), &pkgErr)

	p.state = StateStaged
	var injErr *InjectError
	require.ErrorAs(t, p.Inject(), &injErr)

	p.state = StatePackaged
	require.ErrorAs(t, p.Finalize(), &injErr)
}

func TestPipeline_RunRejectsUnknownTarget(t *testing.T) {
	t.Parallel()

	p := &Pipeline{cfg: &PipelineConfig{}, state: StateUnbuilt}
	err := p.Run(BundleState("bogus"))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPipeline_RunStopsAtFirstFailingPhase(t *testing.T) {
	tmp := t.TempDir()
	cfg := &PipelineConfig{
		Product:    "demo",
		Clone:      true,
		SourceURL:  "https://example.invalid/demo.git",
		CloneDir:   filepath.Join(tmp, "demo"),
		Branch:     "main",
		ScratchDir: filepath.Join(tmp, "scratch"),
	}
	runner := &fakeRunner{hook: func(cmd *exec.Cmd) error {
		return errors.New("network down")
	}}
	p := &Pipeline{cfg: cfg, runner: runner, fetch: stubFetch(nil), state: StateUnbuilt}

	err := p.Run(StateFinalized)
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	require.Equal(t, StateUnbuilt, p.State())
	require.Len(t, runner.cmds, 1)
	require.Equal(t, []string{"git", "clone", cfg.SourceURL, cfg.CloneDir}, runner.cmds[0].Args)
}

func TestPipeline_FinalizePlacesArtifactAndCleansScratch(t *testing.T) {
	ws := t.TempDir()
	scratch := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	final := filepath.Join(scratch, artifactName("demo"))
	require.NoError(t, os.WriteFile(final, []byte("FINAL"), 0o755))

	p := &Pipeline{
		cfg:   &PipelineConfig{Product: "demo", ScratchDir: scratch},
		state: StateInjected,
		src:   &SourceInfo{WorkspaceRoot: ws},
		inj:   &InjectResult{FinalPath: final},
	}
	require.NoError(t, p.Finalize())

	require.Equal(t, StateFinalized, p.State())
	require.FileExists(t, filepath.Join(ws, artifactName("demo")))
	require.NoDirExists(t, scratch)
}

func TestPipeline_FinalizeKeepsScratchWhenAsked(t *testing.T) {
	ws := t.TempDir()
	scratch := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	final := filepath.Join(scratch, artifactName("demo"))
	require.NoError(t, os.WriteFile(final, []byte("FINAL"), 0o755))

	p := &Pipeline{
		cfg:   &PipelineConfig{Product: "demo", ScratchDir: scratch, KeepScratch: true},
		state: StateInjected,
		src:   &SourceInfo{WorkspaceRoot: ws},
		inj:   &InjectResult{FinalPath: final},
	}
	require.NoError(t, p.Finalize())

	require.FileExists(t, filepath.Join(ws, artifactName("demo")))
	require.DirExists(t, scratch)
}

func TestProbeState_ReportsMostAdvancedLeftover(t *testing.T) {
	ws := t.TempDir()
	scratch := filepath.Join(t.TempDir(), "scratch")
	cfg := &PipelineConfig{
		Product:       "demo",
		Clone:         true,
		CloneDir:      ws,
		ScratchDir:    scratch,
		RuntimeSubdir: "wine",
	}
	artifact := artifactName("demo")

	st, workspace := probeState(cfg)
	require.Equal(t, StateUnbuilt, st)
	require.Equal(t, ws, workspace)

	// Staging root appears.
	require.NoError(t, os.MkdirAll(filepath.Join(ws, stagingRootName, "usr", "lib"), 0o755))
	st, _ = probeState(cfg)
	require.Equal(t, StateStaged, st)

	// First-round bundle appears in scratch.
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, artifact), []byte("IMAGE"), 0o755))
	st, _ = probeState(cfg)
	require.Equal(t, StatePackaged, st)

	// Runtime content in the staging lib dir marks the second round.
	wineDir := filepath.Join(ws, stagingRootName, "usr", "lib", "wine")
	require.NoError(t, os.MkdirAll(wineDir, 0o755))
	st, _ = probeState(cfg)
	require.Equal(t, StatePackaged, st, "empty runtime dir proves nothing")
	require.NoError(t, os.WriteFile(filepath.Join(wineDir, "libwine.so"), []byte("LIB"), 0o644))
	st, _ = probeState(cfg)
	require.Equal(t, StateInjected, st)

	// The relocated artifact wins over everything.
	require.NoError(t, os.WriteFile(filepath.Join(ws, artifact), []byte("FINAL"), 0o755))
	st, _ = probeState(cfg)
	require.Equal(t, StateFinalized, st)
}
