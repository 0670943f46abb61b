package mikoshi

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// BuildResult locates what the native build produced.
type BuildResult struct {
	BuildDir  string
	OutputDir string
	LogPath   string // xz-compressed compile log, empty when capture failed
}

// outputSubdir is where the project's build system drops finished
// binaries; the qmake project file pins DESTDIR to it.
const outputSubdir = "bin"

// buildLogName is the raw compile log created in the workspace root
// while a build runs. It is compressed to <name>.xz afterwards.
const buildLogName = "build.log"

// runBuild recreates the build directory, runs the generation step against
// the workspace, then the compilation step with host parallelism. The
// build system itself is a black box; only its exit status matters.
func runBuild(cfg *PipelineConfig, src *SourceInfo, runner Runner) (*BuildResult, error) {
	// Define the ANSI escape code format for setting the terminal title.
	// \033]0; sets the title, and \a (bell character) terminates the sequence.
	const setTitleFormat = "\033]0;%s\a"
	if !cfg.Quiet {
		fmt.Printf(setTitleFormat, "mikoshi: building "+cfg.Product)
	}

	buildDir := filepath.Join(src.WorkspaceRoot, "build")
	if err := recreateDir(buildDir); err != nil {
		return nil, &BuildError{Err: err}
	}

	env := append(os.Environ(),
		"CFLAGS="+cfg.CFlags,
		"CXXFLAGS="+cfg.CFlags,
		"MAKEFLAGS=-j"+strconv.Itoa(cfg.Jobs),
	)

	rawLog := filepath.Join(src.WorkspaceRoot, buildLogName)
	logFile, err := os.Create(rawLog)
	if err != nil {
		debugf("cannot create build log %s: %v\n", rawLog, err)
		logFile = nil
	}

	var out io.Writer = os.Stdout
	if logFile != nil {
		if cfg.Quiet {
			out = logFile
		} else {
			out = io.MultiWriter(os.Stdout, logFile)
		}
	} else if cfg.Quiet {
		out = io.Discard
	}

	runStep := func(name string, args ...string) error {
		cmd := exec.Command(name, args...)
		cmd.Dir = buildDir
		cmd.Env = env
		cmd.Stdout = out
		cmd.Stderr = out
		return runner.Run(cmd)
	}

	stepf("Generating build system (%s)\n", cfg.GenerateCmd)
	if err := runStep(cfg.GenerateCmd, src.WorkspaceRoot); err != nil {
		finishBuildLog(logFile, rawLog)
		return nil, &BuildError{Err: fmt.Errorf("%s failed: %w", cfg.GenerateCmd, err)}
	}

	stepf("Compiling with %d jobs\n", cfg.Jobs)
	if err := runStep(cfg.CompileCmd, "-j"+strconv.Itoa(cfg.Jobs)); err != nil {
		finishBuildLog(logFile, rawLog)
		return nil, &BuildError{Err: fmt.Errorf("%s failed: %w", cfg.CompileCmd, err)}
	}

	logPath := finishBuildLog(logFile, rawLog)

	outputDir := filepath.Join(buildDir, outputSubdir)
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		return nil, &BuildError{Err: fmt.Errorf("build completed but produced no %s directory", outputDir)}
	}

	return &BuildResult{
		BuildDir:  buildDir,
		OutputDir: outputDir,
		LogPath:   logPath,
	}, nil
}

// finishBuildLog closes and compresses the raw compile log. Returns the
// compressed path, or empty when capture was off or compression failed.
func finishBuildLog(logFile *os.File, rawLog string) string {
	if logFile == nil {
		return ""
	}
	logFile.Close()

	xzPath := rawLog + ".xz"
	if err := compressXZ(rawLog, xzPath); err != nil {
		debugf("failed to compress build log: %v\n", err)
		return rawLog
	}
	_ = os.Remove(rawLog)
	return xzPath
}
