package mikoshi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BundleState tracks how far a product has moved through the pipeline.
type BundleState string

const (
	StateUnbuilt   BundleState = "unbuilt"
	StateStaged    BundleState = "staged"
	StatePackaged  BundleState = "packaged"
	StateInjected  BundleState = "injected"
	StateFinalized BundleState = "finalized"
)

var stateOrder = map[BundleState]int{
	StateUnbuilt:   0,
	StateStaged:    1,
	StatePackaged:  2,
	StateInjected:  3,
	StateFinalized: 4,
}

func parseBundleState(s string) (BundleState, error) {
	st := BundleState(s)
	if _, ok := stateOrder[st]; !ok || st == StateUnbuilt {
		return "", fmt.Errorf("unknown pipeline stop point %q (want staged, packaged, injected or finalized)", s)
	}
	return st, nil
}

// Pipeline carries one product through its phases in order. Each phase
// consumes the descriptors of the previous one; a phase refuses to run
// unless its predecessor has completed, so a failure leaves the run in
// the last state it actually reached.
type Pipeline struct {
	cfg    *PipelineConfig
	runner Runner
	fetch  fetchFunc
	state  BundleState

	src     *SourceInfo
	build   *BuildResult
	staging *StagingResult
	execs   []string
	pkg     *PackageResult
	inj     *InjectResult
}

func NewPipeline(ctx context.Context, cfg *PipelineConfig) *Pipeline {
	exe := NewExecutor(ctx)
	exe.ApplyIdlePriority = cfg.NiceBuild
	return &Pipeline{
		cfg:    cfg,
		runner: exe,
		fetch:  fetchToCache,
		state:  StateUnbuilt,
	}
}

func (p *Pipeline) State() BundleState { return p.state }

// Stage resolves the source, builds it and assembles the staging tree,
// then classifies the executables the bundler will start from.
func (p *Pipeline) Stage() error {
	if p.state != StateUnbuilt {
		debugf("stage skipped, pipeline already %s\n", p.state)
		return nil
	}

	src, err := resolveSource(p.cfg, p.runner)
	if err != nil {
		return err
	}
	p.src = src

	build, err := runBuild(p.cfg, src, p.runner)
	if err != nil {
		return err
	}
	p.build = build

	staging, err := assembleStaging(p.cfg, src, build, p.fetch)
	if err != nil {
		return err
	}
	p.staging = staging

	execs, err := classifyExecutables(staging.BinDir, staging.ExtraBinDir)
	if err != nil {
		return &AssetError{Err: err}
	}
	p.execs = execs
	debugf("classified %d native executables\n", len(execs))

	p.state = StateStaged
	return nil
}

// Package runs the first bundling round.
func (p *Pipeline) Package() error {
	if p.state != StateStaged {
		return &PackageError{Err: fmt.Errorf("cannot package from state %q", p.state)}
	}
	pkg, err := packageBundle(p.cfg, p.staging, p.execs, p.runner, p.fetch)
	if err != nil {
		return err
	}
	p.pkg = pkg
	p.state = StatePackaged
	return nil
}

// Inject runs the second round over the packaged bundle.
func (p *Pipeline) Inject() error {
	if p.state != StatePackaged {
		return &InjectError{Err: fmt.Errorf("no initial bundle to inject into (state %q)", p.state)}
	}
	inj, err := injectRuntime(p.cfg, p.staging, p.pkg, p.runner, p.fetch)
	if err != nil {
		return err
	}
	p.inj = inj
	p.state = StateInjected
	return nil
}

// Finalize moves the finished artifact into the workspace root and
// removes the scratch directory.
func (p *Pipeline) Finalize() error {
	if p.state != StateInjected {
		return &InjectError{Err: fmt.Errorf("nothing to finalize (state %q)", p.state)}
	}

	dest := filepath.Join(p.src.WorkspaceRoot, artifactName(p.cfg.Product))

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := os.Rename(p.inj.FinalPath, dest); err != nil {
		// Scratch may sit on another filesystem.
		if err := copyFile(p.inj.FinalPath, dest); err != nil {
			return &InjectError{Err: fmt.Errorf("cannot place artifact: %w", err)}
		}
		if err := os.Remove(p.inj.FinalPath); err != nil {
			return &InjectError{Err: err}
		}
	}

	if p.cfg.KeepScratch {
		cPrintf(colNote, "Keeping scratch directory %s\n", p.cfg.ScratchDir)
	} else {
		if err := assertRemovablePath(p.cfg.ScratchDir); err != nil {
			return &InjectError{Err: err}
		}
		if err := os.RemoveAll(p.cfg.ScratchDir); err != nil {
			return &InjectError{Err: fmt.Errorf("cannot remove scratch directory: %w", err)}
		}
	}

	p.state = StateFinalized
	cPrintf(colSuccess, "Bundle ready: %s\n", dest)
	return nil
}

// Run advances the pipeline until it reaches the requested state,
// stopping at the first failing phase.
func (p *Pipeline) Run(until BundleState) error {
	target, ok := stateOrder[until]
	if !ok {
		return &ConfigurationError{Err: fmt.Errorf("unknown pipeline state %q", until)}
	}
	for stateOrder[p.state] < target {
		var err error
		switch p.state {
		case StateUnbuilt:
			err = p.Stage()
		case StateStaged:
			err = p.Package()
		case StatePackaged:
			err = p.Inject()
		case StateInjected:
			err = p.Finalize()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// probeState reads the on-disk leftovers of previous runs and reports
// the most advanced state they prove. It never mutates anything.
func probeState(cfg *PipelineConfig) (BundleState, string) {
	var workspace string
	if cfg.Clone {
		workspace = cfg.CloneDir
	} else if cwd, err := os.Getwd(); err == nil {
		workspace = filepath.Dir(cwd)
	}
	if workspace == "" {
		return StateUnbuilt, ""
	}

	artifact := artifactName(cfg.Product)
	if _, err := os.Stat(filepath.Join(workspace, artifact)); err == nil {
		return StateFinalized, workspace
	}

	stagingLib := filepath.Join(workspace, stagingRootName, "usr", "lib")
	scratchBundle := filepath.Join(cfg.ScratchDir, artifact)
	if _, err := os.Stat(scratchBundle); err == nil {
		if entries, err := os.ReadDir(filepath.Join(stagingLib, cfg.RuntimeSubdir)); err == nil && len(entries) > 0 {
			return StateInjected, workspace
		}
		return StatePackaged, workspace
	}

	if _, err := os.Stat(filepath.Join(workspace, stagingRootName)); err == nil {
		return StateStaged, workspace
	}
	return StateUnbuilt, workspace
}
