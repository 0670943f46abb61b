package mikoshi

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// stagingRootName is the staging directory created under the workspace
// root. The bundler expects this exact layout convention.
const stagingRootName = "AppDir"

// StagingResult describes the assembled staging root. Later phases consume
// these paths instead of re-deriving well-known names.
type StagingResult struct {
	Root        string
	BinDir      string
	LibDir      string
	Desktop     string
	Icon        string
	ExtraBinDir string // vendored binary subdir the classifier also scans
}

// assembleStaging rebuilds the staging root from nothing: build outputs,
// the fixed aux assets, the host tool set, the archive tool's library
// directory, and the downloaded helper script. The result is a pure
// function of config, host tool availability, and build output.
func assembleStaging(cfg *PipelineConfig, src *SourceInfo, build *BuildResult, fetch fetchFunc) (*StagingResult, error) {
	root := filepath.Join(src.WorkspaceRoot, stagingRootName)
	binDir := filepath.Join(root, "usr", "bin")
	libDir := filepath.Join(root, "usr", "lib")

	stepf("Assembling staging root %s\n", root)
	if err := recreateDir(root); err != nil {
		return nil, &AssetError{Err: err}
	}
	for _, d := range []string{binDir, libDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, &AssetError{Err: fmt.Errorf("failed to create %s: %w", d, err)}
		}
	}

	// Build outputs land in the executable dir as-is.
	outEntries, err := os.ReadDir(build.OutputDir)
	if err != nil {
		return nil, &AssetError{Err: fmt.Errorf("cannot read build output %s: %w", build.OutputDir, err)}
	}
	for _, entry := range outEntries {
		if !entry.Type().IsRegular() {
			continue
		}
		srcPath := filepath.Join(build.OutputDir, entry.Name())
		if err := copyFile(srcPath, filepath.Join(binDir, entry.Name())); err != nil {
			return nil, &AssetError{Err: fmt.Errorf("failed to stage build output %s: %w", entry.Name(), err)}
		}
	}

	// Fixed aux assets from the workspace.
	assetDir := filepath.Join(src.WorkspaceRoot, cfg.AssetDir)
	desktop := filepath.Join(root, cfg.Product+".desktop")
	icon := filepath.Join(root, cfg.Product+".png")
	launcher := filepath.Join(binDir, cfg.Product+".sh")

	assets := []struct {
		src, dst string
		exec     bool
	}{
		{filepath.Join(assetDir, cfg.Product+".desktop"), desktop, false},
		{filepath.Join(assetDir, cfg.Product+".png"), icon, false},
		{filepath.Join(assetDir, cfg.Product+".sh"), launcher, true},
	}
	for _, a := range assets {
		if err := copyFile(a.src, a.dst); err != nil {
			return nil, &AssetError{Err: fmt.Errorf("missing aux asset %s: %w", a.src, err)}
		}
		if a.exec {
			if err := os.Chmod(a.dst, 0o755); err != nil {
				return nil, &AssetError{Err: fmt.Errorf("failed to mark %s executable: %w", a.dst, err)}
			}
		}
	}

	// Host helper tools, resolved on PATH. These are bundled so the
	// launcher script works on hosts that lack them.
	for _, tool := range cfg.HostTools {
		hostPath, err := exec.LookPath(tool)
		if err != nil {
			return nil, &AssetError{Err: fmt.Errorf("required host tool %q not found on PATH", tool)}
		}
		dst := filepath.Join(binDir, tool)
		if err := copyFile(hostPath, dst); err != nil {
			return nil, &AssetError{Err: fmt.Errorf("failed to stage host tool %s: %w", tool, err)}
		}
	}

	// The archive tool's private library directory. The 7z on PATH is a
	// wrapper script around binaries living here.
	extraBinDir := ""
	hostLibName := filepath.Base(cfg.HostLibDir)
	if info, err := os.Stat(cfg.HostLibDir); err != nil || !info.IsDir() {
		return nil, &AssetError{Err: fmt.Errorf("required host library directory %s not found", cfg.HostLibDir)}
	}
	extraBinDir = filepath.Join(libDir, hostLibName)
	if err := copyDir(cfg.HostLibDir, extraBinDir); err != nil {
		return nil, &AssetError{Err: fmt.Errorf("failed to stage %s: %w", cfg.HostLibDir, err)}
	}

	// The downloaded helper script, installed executable.
	helperPath, err := fetch(cfg, cfg.HelperURL, "", downloadOptions{Quiet: cfg.Quiet})
	if err != nil {
		return nil, &AssetError{Err: fmt.Errorf("failed to fetch helper script: %w", err)}
	}
	helperDst := filepath.Join(binDir, cfg.HelperName)
	if err := copyFile(helperPath, helperDst); err != nil {
		return nil, &AssetError{Err: fmt.Errorf("failed to stage helper script: %w", err)}
	}
	if err := os.Chmod(helperDst, 0o755); err != nil {
		return nil, &AssetError{Err: fmt.Errorf("failed to mark helper executable: %w", err)}
	}

	return &StagingResult{
		Root:        root,
		BinDir:      binDir,
		LibDir:      libDir,
		Desktop:     desktop,
		Icon:        icon,
		ExtraBinDir: extraBinDir,
	}, nil
}
