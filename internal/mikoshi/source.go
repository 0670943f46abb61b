package mikoshi

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SourceInfo describes the resolved workspace checkout.
type SourceInfo struct {
	WorkspaceRoot string
	Branch        string
	Describe      string // git describe output, best effort
}

// resolveSource obtains the version-controlled workspace. With Clone set
// it wipes any prior clone and checks the requested branch out fresh;
// otherwise the parent of the current directory is trusted as an existing
// checkout.
func resolveSource(cfg *PipelineConfig, runner Runner) (*SourceInfo, error) {
	var workspace string

	if cfg.Clone {
		if cfg.SourceURL == "" {
			return nil, &ConfigurationError{Err: fmt.Errorf("clone requested but no source URL configured")}
		}

		if err := assertRemovablePath(cfg.CloneDir); err != nil {
			return nil, &ConfigurationError{Err: err}
		}
		if err := os.RemoveAll(cfg.CloneDir); err != nil {
			return nil, &SourceError{Err: fmt.Errorf("failed to remove stale clone %s: %w", cfg.CloneDir, err)}
		}

		stepf("Cloning %s\n", cfg.SourceURL)
		cloneCmd := exec.Command("git", "clone", cfg.SourceURL, cfg.CloneDir)
		if err := runner.Run(cloneCmd); err != nil {
			return nil, &SourceError{Err: fmt.Errorf("git clone failed: %w", err)}
		}

		fetchCmd := exec.Command("git", "-C", cfg.CloneDir, "fetch", "--all")
		if err := runner.Run(fetchCmd); err != nil {
			return nil, &SourceError{Err: fmt.Errorf("git fetch failed: %w", err)}
		}

		checkoutCmd := exec.Command("git", "-C", cfg.CloneDir, "checkout", cfg.Branch)
		if err := runner.Run(checkoutCmd); err != nil {
			return nil, &SourceError{Err: fmt.Errorf("failed to checkout branch %s: %w", cfg.Branch, err)}
		}

		workspace = cfg.CloneDir
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, &SourceError{Err: fmt.Errorf("cannot determine working directory: %w", err)}
		}
		workspace = filepath.Dir(cwd)

		if _, err := os.Stat(filepath.Join(workspace, ".git")); err != nil {
			return nil, &SourceError{Err: fmt.Errorf("%s is not a repository checkout (no .git)", workspace)}
		}
	}

	// Container bind mounts routinely leave the checkout owned by another
	// uid, which newer git refuses to touch. Registering the path keeps
	// metadata queries working; this is an environmental workaround, not a
	// security decision.
	trustCmd := exec.Command("git", "config", "--global", "--add", "safe.directory", workspace)
	trustCmd.Stdout = io.Discard
	trustCmd.Stderr = io.Discard
	if err := runner.Run(trustCmd); err != nil {
		debugf("safe.directory registration failed: %v\n", err)
	}

	// The checkout must answer basic metadata queries or later phases
	// cannot trust it.
	var gitDir bytes.Buffer
	metaCmd := exec.Command("git", "-C", workspace, "rev-parse", "--git-dir")
	metaCmd.Stdout = &gitDir
	metaCmd.Stderr = io.Discard
	if err := runner.Run(metaCmd); err != nil {
		return nil, &SourceError{Err: fmt.Errorf("repository metadata missing in %s: %w", workspace, err)}
	}

	info := &SourceInfo{
		WorkspaceRoot: workspace,
		Branch:        cfg.Branch,
	}

	var describe bytes.Buffer
	descCmd := exec.Command("git", "-C", workspace, "describe", "--tags", "--always", "--dirty")
	descCmd.Stdout = &describe
	descCmd.Stderr = io.Discard
	if err := runner.Run(descCmd); err == nil {
		info.Describe = strings.TrimSpace(describe.String())
	}

	debugf("Workspace resolved: %s (%s)\n", info.WorkspaceRoot, info.Describe)
	return info, nil
}
