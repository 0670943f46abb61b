package mikoshi

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// PackageResult records where the first-round bundle landed and which
// scratch pieces later phases reuse.
type PackageResult struct {
	BundlePath string
	ToolDir    string
	PluginPath string
}

// artifactName is the fixed single-file output name for a product.
func artifactName(product string) string {
	return product + "-" + arch64Tag() + ".AppImage"
}

// arch64Tag returns the architecture tag embedded in artifact names.
// The packaging tools are published per-arch under these tags.
func arch64Tag() string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	}
	return arch
}

// stageTool drops a downloaded packaging tool into the scratch bin
// directory under its canonical filename and marks it executable. The
// canonical name matters: the bundler locates its plugins by filename
// lookup on PATH.
func stageTool(cached, binDir, name string) (string, error) {
	dest := filepath.Join(binDir, name)
	if err := copyFile(cached, dest); err != nil {
		return "", err
	}
	if err := os.Chmod(dest, 0o755); err != nil {
		return "", err
	}
	return dest, nil
}

// extractPackagingTool unpacks a self-contained tool image into dir so
// it can run on hosts without FUSE. Extraction happens once per scratch
// lifetime; an already-present entrypoint is reused.
func extractPackagingTool(toolPath, dir string, runner Runner) (string, error) {
	appRun := filepath.Join(dir, "squashfs-root", "AppRun")
	if _, err := os.Stat(appRun); err == nil {
		debugf("reusing extracted tool at %s\n", appRun)
		return appRun, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	cmd := exec.Command(toolPath, "--appimage-extract")
	cmd.Dir = dir
	if err := runner.Run(cmd); err != nil {
		return "", fmt.Errorf("cannot extract %s: %w", filepath.Base(toolPath), err)
	}
	if _, err := os.Stat(appRun); err != nil {
		return "", fmt.Errorf("extraction of %s produced no entrypoint: %w", filepath.Base(toolPath), err)
	}
	return appRun, nil
}

// packageBundle runs the first packaging round: the bundler walks the
// staged tree, pulls in shared-library dependencies for every classified
// executable plus the UI toolkit via its plugin, and emits a single
// bundle file in the scratch directory. The staging tree is deliberately
// left with whatever the bundler added to it; the second round builds on
// that state.
func packageBundle(cfg *PipelineConfig, staging *StagingResult, execs []string, runner Runner, fetch fetchFunc) (*PackageResult, error) {
	if len(execs) == 0 {
		return nil, &PackageError{Err: fmt.Errorf("no native executables to bundle")}
	}

	stepf("Packaging %s\n", cfg.Product)

	binDir := filepath.Join(cfg.ScratchDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, &PackageError{Err: err}
	}

	toolCache, err := fetch(cfg, cfg.ToolURL, "", downloadOptions{Quiet: cfg.Quiet})
	if err != nil {
		return nil, &PackageError{Err: err}
	}
	toolPath, err := stageTool(toolCache, binDir, filepath.Base(cfg.ToolURL))
	if err != nil {
		return nil, &PackageError{Err: err}
	}

	pluginCache, err := fetch(cfg, cfg.QtPluginURL, "", downloadOptions{Quiet: cfg.Quiet})
	if err != nil {
		return nil, &PackageError{Err: err}
	}
	pluginPath, err := stageTool(pluginCache, binDir, filepath.Base(cfg.QtPluginURL))
	if err != nil {
		return nil, &PackageError{Err: err}
	}

	toolDir := filepath.Join(cfg.ScratchDir, "tool")
	appRun, err := extractPackagingTool(toolPath, toolDir, runner)
	if err != nil {
		return nil, &PackageError{Err: err}
	}

	output := artifactName(cfg.Product)
	args := []string{
		"--appdir", staging.Root,
		"--desktop-file", staging.Desktop,
		"--icon-file", staging.Icon,
		"--plugin", "qt",
	}
	for _, exe := range execs {
		args = append(args, "--executable", exe)
	}
	args = append(args, "--output", "appimage")

	cmd := exec.Command(appRun, args...)
	cmd.Dir = cfg.ScratchDir
	cmd.Env = append(os.Environ(),
		"OUTPUT="+output,
		// The plugin is itself a packed image; this makes it
		// self-extract instead of requiring FUSE.
		"APPIMAGE_EXTRACT_AND_RUN=1",
		"PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"),
	)
	if err := runner.Run(cmd); err != nil {
		return nil, &PackageError{Err: fmt.Errorf("bundler failed: %w", err)}
	}

	bundlePath := filepath.Join(cfg.ScratchDir, output)
	if _, err := os.Stat(bundlePath); err != nil {
		return nil, &PackageError{Err: fmt.Errorf("bundler exited cleanly but produced no %s: %w", output, err)}
	}
	cPrintf(colNote, "Initial bundle at %s\n", bundlePath)

	return &PackageResult{
		BundlePath: bundlePath,
		ToolDir:    toolDir,
		PluginPath: pluginPath,
	}, nil
}
