package mikoshi

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: mikoshi <command> [arguments]")
	colSuccess.Println("Run 'mikoshi <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"build, b", "[options]", "Run the bundle pipeline: resolve, build, stage, package, inject"},
		{"status", "", "Show how far the pipeline has progressed"},
		{"fetch", "[-f]", "Prefetch packaging tools and the runtime into the cache"},
		{"log", "[-f]", "View the build log; -f follows a running build"},
		{"clean", "[options]", "Remove build, staging and scratch directories"},
		{"publish", "[options]", "Upload the finalized bundle and update the release index"},
	}

	// --- Dynamic Padding Logic ---
	// Find the longest usage string to calculate the ideal width for the
	// first column.
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++ // Account for the space
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))

		color.Info.Println(c.Desc)
	}

	fmt.Println()
}

// fail prints the one diagnostic line every command failure shares and
// exits. Phase errors carry their category prefix via the error types.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "mikoshi: %v\n", err)
	os.Exit(1)
}

// Main is the CLI entrypoint for cmd/mikoshi.
func Main() {
	// 1. CONTEXT AND SIGNAL SETUP
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. SIGNAL CHANNEL SETUP
	sigs := make(chan os.Signal, 1)
	// Register to receive SIGINT (Ctrl+C) and SIGTERM (kill command)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	// 3. SIGNAL HANDLING GOROUTINE
	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// --- CRITICAL PHASE: Block 1st signal, force exit on 2nd ---
					colArrow.Print("\n-> ")
					colError.Printf("Critical operation in progress (e.g., repacking). Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130) // Common exit code for SIGINT
					case <-time.After(5 * time.Second):
						// If no second signal, continue waiting for the loop to repeat
						continue
					case <-ctx.Done():
						return
					}
				} else {
					// --- NON-CRITICAL PHASE: Graceful Cancellation ---
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()

					// Give the command a moment to die and flush its buffers
					time.Sleep(100 * time.Millisecond)

					// Wait for a second signal for immediate exit
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	// 4. MAIN LOGIC EXECUTION
	// Check for immediate cancellation before starting (e.g., if signal
	// received early)
	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	configPath := ConfigFile
	if p := os.Getenv("MIKOSHI_CONF"); p != "" {
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		// A missing config file is routine; defaults and env cover it.
		debugf("config load: %v\n", err)
	}
	mergeEnvOverrides(cfg)
	initDebug(cfg)

	var exitCode int

	switch os.Args[1] {
	case "build", "b":
		if err := handleBuildCommand(ctx, os.Args[2:], cfg); err != nil {
			fail(err)
		}

	case "status":
		if err := handleStatusCommand(cfg); err != nil {
			fail(err)
		}

	case "fetch":
		if err := handleFetchCommand(os.Args[2:], cfg); err != nil {
			fail(err)
		}

	case "clean":
		if err := handleCleanCommand(os.Args[2:], cfg); err != nil {
			fail(err)
		}

	case "log":
		exitCode = handleLogCommand(os.Args[2:], cfg)

	case "publish":
		if err := handlePublishCommand(ctx, os.Args[2:], cfg); err != nil {
			fail(err)
		}

	case "version", "--version":
		colNote.Printf("mikoshi %s (%s) built %s\n", version, arch, buildDate)

	case "help", "-h", "--help":
		printHelp()

	default:
		fmt.Fprintf(os.Stderr, "mikoshi: unknown command %q\n\n", os.Args[1])
		printHelp()
		exitCode = 1
	}
	os.Exit(exitCode)
}

func handleBuildCommand(ctx context.Context, args []string, cfg *Config) error {
	buildCmd := flag.NewFlagSet("build", flag.ContinueOnError)
	clone := buildCmd.Bool("clone", false, "Clone the source repository fresh instead of using the local checkout.")
	branch := buildCmd.String("branch", "", "Branch to check out when cloning.")
	to := buildCmd.String("to", string(StateFinalized), "Stop after reaching this state (staged, packaged, injected, finalized).")
	keep := buildCmd.Bool("keep-scratch", false, "Keep the scratch directory around for inspection.")
	quiet := buildCmd.Bool("quiet", false, "Send build output to the log file only.")
	jobs := buildCmd.Int("j", 0, "Number of parallel compile jobs (default: all cores).")
	buildCmd.SetOutput(io.Discard)
	if err := buildCmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Println("Usage: mikoshi build [options]")
			buildCmd.SetOutput(os.Stdout)
			buildCmd.PrintDefaults()
			return nil
		}
		return &ConfigurationError{Err: err}
	}
	if buildCmd.NArg() > 0 {
		return &ConfigurationError{Err: fmt.Errorf("unexpected argument %q", buildCmd.Arg(0))}
	}

	until, err := parseBundleState(*to)
	if err != nil {
		return &ConfigurationError{Err: err}
	}

	pc, err := newPipelineConfig(cfg, configOverrides{
		Clone:       *clone,
		Branch:      *branch,
		Jobs:        *jobs,
		KeepScratch: *keep,
		Quiet:       *quiet,
	})
	if err != nil {
		return err
	}

	isCriticalAtomic.Store(0)

	return NewPipeline(ctx, pc).Run(until)
}

func handleStatusCommand(cfg *Config) error {
	pc, err := newPipelineConfig(cfg, configOverrides{})
	if err != nil {
		return err
	}

	state, workspace := probeState(pc)
	colArrow.Print("-> ")
	colSuccess.Printf("%s: ", pc.Product)
	colNote.Printf("%s\n", state)
	if workspace != "" {
		cPrintf(colInfo, "  workspace %s\n", workspace)
	}
	if state == StateFinalized && workspace != "" {
		artifact := filepath.Join(workspace, artifactName(pc.Product))
		if stat, err := os.Stat(artifact); err == nil {
			cPrintf(colInfo, "  artifact  %s (%s)\n", artifact, humanReadableSize(stat.Size()))
		}
	}
	return nil
}

func handleFetchCommand(args []string, cfg *Config) error {
	fetchCmd := flag.NewFlagSet("fetch", flag.ContinueOnError)
	force := fetchCmd.Bool("f", false, "Force re-download even when cached.")
	fetchCmd.SetOutput(io.Discard)
	if err := fetchCmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Println("Usage: mikoshi fetch [-f]")
			fetchCmd.SetOutput(os.Stdout)
			fetchCmd.PrintDefaults()
			return nil
		}
		return &ConfigurationError{Err: err}
	}

	pc, err := newPipelineConfig(cfg, configOverrides{})
	if err != nil {
		return err
	}

	opt := downloadOptions{Force: *force}
	downloads := []struct {
		url     string
		version string
	}{
		{pc.ToolURL, ""},
		{pc.QtPluginURL, ""},
		{pc.RepackToolURL, ""},
		{pc.HelperURL, ""},
		{pc.RuntimeURL, pc.RuntimeVersion},
	}
	for _, d := range downloads {
		cached, err := fetchToCache(pc, d.url, d.version, opt)
		if err != nil {
			return err
		}
		if d.url == pc.RuntimeURL && pc.RuntimeB3Sum != "" {
			if err := verifyFileB3Sum(cached, pc.RuntimeB3Sum); err != nil {
				return err
			}
		}
	}
	cPrintf(colSuccess, "All downloads cached under %s\n", pc.CacheDir)
	return nil
}

func handleCleanCommand(args []string, cfg *Config) error {
	cleanCmd := flag.NewFlagSet("clean", flag.ContinueOnError)
	cache := cleanCmd.Bool("cache", false, "Also empty the download cache.")
	yes := cleanCmd.Bool("y", false, "Assume 'yes' to all prompts.")
	cleanCmd.SetOutput(io.Discard)
	if err := cleanCmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Println("Usage: mikoshi clean [options]")
			cleanCmd.SetOutput(os.Stdout)
			cleanCmd.PrintDefaults()
			return nil
		}
		return &ConfigurationError{Err: err}
	}

	pc, err := newPipelineConfig(cfg, configOverrides{})
	if err != nil {
		return err
	}

	_, workspace := probeState(pc)
	targets := []string{pc.ScratchDir}
	if workspace != "" {
		targets = append(targets,
			filepath.Join(workspace, "build"),
			filepath.Join(workspace, stagingRootName),
			filepath.Join(workspace, buildLogName),
			filepath.Join(workspace, buildLogName+".xz"),
		)
	}
	if *cache {
		targets = append(targets, pc.CacheDir)
	}

	for _, target := range targets {
		if _, err := os.Stat(target); err != nil {
			continue
		}
		if err := assertRemovablePath(target); err != nil {
			return err
		}
		if !*yes {
			colArrow.Print("-> ")
			if !askForConfirmation(colWarn, "Remove %s? ", target) {
				continue
			}
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
		cPrintf(colSuccess, "Removed %s\n", target)
	}
	return nil
}

func handleLogCommand(args []string, cfg *Config) int {
	logCmd := flag.NewFlagSet("log", flag.ContinueOnError)
	follow := logCmd.Bool("f", false, "Follow a running build in a live view.")
	logCmd.SetOutput(io.Discard)
	if err := logCmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Println("Usage: mikoshi log [-f]")
			logCmd.SetOutput(os.Stdout)
			logCmd.PrintDefaults()
			return 0
		}
		fail(&ConfigurationError{Err: err})
	}

	pc, err := newPipelineConfig(cfg, configOverrides{})
	if err != nil {
		fail(err)
	}
	_, workspace := probeState(pc)
	if workspace == "" {
		fail(fmt.Errorf("cannot locate workspace root"))
	}

	if *follow {
		return followLog(workspace)
	}

	snap := readBuildLog(workspace)
	if err := RunPager(snap.path, snap.content); err != nil {
		fail(err)
	}
	return 0
}

func handlePublishCommand(ctx context.Context, args []string, cfg *Config) error {
	pubCmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	versionFlag := pubCmd.String("version", "", "Version label for the release (default: git describe).")
	list := pubCmd.Bool("list", false, "List published releases instead of uploading.")
	pubCmd.SetOutput(io.Discard)
	if err := pubCmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Println("Usage: mikoshi publish [options]")
			pubCmd.SetOutput(os.Stdout)
			pubCmd.PrintDefaults()
			return nil
		}
		return &ConfigurationError{Err: err}
	}

	pc, err := newPipelineConfig(cfg, configOverrides{})
	if err != nil {
		return err
	}

	client, err := NewReleaseClient(cfg)
	if err != nil {
		return err
	}

	if *list {
		return listReleases(ctx, client, pc.Product)
	}
	return publishArtifact(ctx, client, pc, *versionFlag)
}
