package mikoshi

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// InjectResult describes the second-round artifact before relocation.
type InjectResult struct {
	RuntimeDir string
	FinalPath  string
}

// injectRuntime runs the second packaging round. The vendored runtime is
// fetched, verified when a checksum is configured, and unpacked into the
// staging library tree with its release wrapper directory stripped. The
// first-round bundle is then unpacked, the runtime tree is grafted into
// it exactly as staged (links stay links, nothing is re-resolved), and
// the combined tree is packed back into a single file.
//
// The runtime is injected after the first round on purpose: the bundler
// must never walk the runtime's libraries, which ship complete and
// self-consistent.
func injectRuntime(cfg *PipelineConfig, staging *StagingResult, pkg *PackageResult, runner Runner, fetch fetchFunc) (*InjectResult, error) {
	if pkg == nil || pkg.BundlePath == "" {
		return nil, &InjectError{Err: fmt.Errorf("no initial bundle to inject into")}
	}

	stepf("Injecting %s into %s\n", cfg.RuntimeTarball, cfg.Product)

	cached, err := fetch(cfg, cfg.RuntimeURL, cfg.RuntimeVersion, downloadOptions{Quiet: cfg.Quiet})
	if err != nil {
		return nil, &InjectError{Err: err}
	}
	if cfg.RuntimeB3Sum != "" {
		if err := verifyFileB3Sum(cached, cfg.RuntimeB3Sum); err != nil {
			return nil, &InjectError{Err: err}
		}
	}

	// Release tarballs wrap everything in a single versioned directory.
	// The probe needs a host tar; when it cannot answer, the layout
	// contract is trusted.
	if single, err := archiveHasSingleTop(cached); err != nil {
		debugf("cannot probe runtime archive layout: %v\n", err)
	} else if !single {
		return nil, &InjectError{Err: fmt.Errorf("runtime archive %s lacks the expected single top-level directory", cfg.RuntimeTarball)}
	}

	runtimeDir := filepath.Join(staging.LibDir, cfg.RuntimeSubdir)
	if err := recreateDir(runtimeDir); err != nil {
		return nil, &InjectError{Err: err}
	}
	if err := extractArchive(cached, runtimeDir, true); err != nil {
		return nil, &InjectError{Err: fmt.Errorf("cannot unpack runtime: %w", err)}
	}

	unpackDir := filepath.Join(cfg.ScratchDir, "unpack")
	if err := recreateDir(unpackDir); err != nil {
		return nil, &InjectError{Err: err}
	}
	cmd := exec.Command(pkg.BundlePath, "--appimage-extract")
	cmd.Dir = unpackDir
	if err := runner.Run(cmd); err != nil {
		return nil, &InjectError{Err: fmt.Errorf("cannot unpack initial bundle: %w", err)}
	}
	tree := filepath.Join(unpackDir, "squashfs-root")
	if _, err := os.Stat(tree); err != nil {
		return nil, &InjectError{Err: fmt.Errorf("bundle unpack produced no tree: %w", err)}
	}

	// Graft the runtime into the unpacked tree byte for byte. Internal
	// symlinks are the runtime's own business; resolving them here would
	// balloon the artifact and break relative link targets.
	graftDest := filepath.Join(tree, "usr", "lib", cfg.RuntimeSubdir)
	if err := os.MkdirAll(filepath.Dir(graftDest), 0o755); err != nil {
		return nil, &InjectError{Err: err}
	}
	if err := os.RemoveAll(graftDest); err != nil {
		return nil, &InjectError{Err: err}
	}
	if err := copyTreePreserving(runtimeDir, graftDest); err != nil {
		return nil, &InjectError{Err: fmt.Errorf("cannot graft runtime into bundle tree: %w", err)}
	}

	repackCache, err := fetch(cfg, cfg.RepackToolURL, "", downloadOptions{Quiet: cfg.Quiet})
	if err != nil {
		return nil, &InjectError{Err: err}
	}
	binDir := filepath.Join(cfg.ScratchDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, &InjectError{Err: err}
	}
	repackPath, err := stageTool(repackCache, binDir, filepath.Base(cfg.RepackToolURL))
	if err != nil {
		return nil, &InjectError{Err: err}
	}
	repackRun, err := extractPackagingTool(repackPath, filepath.Join(cfg.ScratchDir, "repack"), runner)
	if err != nil {
		return nil, &InjectError{Err: err}
	}

	// Repacking overwrites the first-round bundle; an interrupt here
	// would leave neither round usable.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	output := artifactName(cfg.Product)
	repack := exec.Command(repackRun, tree, output)
	repack.Dir = cfg.ScratchDir
	repack.Env = append(os.Environ(), "ARCH="+arch64Tag())
	if err := runner.Run(repack); err != nil {
		return nil, &InjectError{Err: fmt.Errorf("repack failed: %w", err)}
	}

	finalPath := filepath.Join(cfg.ScratchDir, output)
	if _, err := os.Stat(finalPath); err != nil {
		return nil, &InjectError{Err: fmt.Errorf("repack exited cleanly but produced no %s: %w", output, err)}
	}
	cPrintf(colNote, "Runtime injected, bundle repacked\n")

	return &InjectResult{RuntimeDir: runtimeDir, FinalPath: finalPath}, nil
}
