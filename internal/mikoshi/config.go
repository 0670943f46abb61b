package mikoshi

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/mikoshi.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge MIKOSHI_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge MIKOSHI_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "MIKOSHI_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// TMPDIR is honored from the environment unless the config file pinned it
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		if _, exists := cfg.Values["TMPDIR"]; !exists {
			cfg.Values["TMPDIR"] = tmp
		}
	}
}

// PipelineConfig is the single immutable view of a run's inputs. It is
// resolved once in newPipelineConfig and passed explicitly into every
// phase; nothing mutates it afterwards.
type PipelineConfig struct {
	Product string

	// Source acquisition
	SourceURL string
	Branch    string
	Clone     bool
	CloneDir  string // removed and re-cloned when Clone is set

	// Native build
	GenerateCmd string
	CompileCmd  string
	Jobs        int
	CFlags      string
	NiceBuild   bool

	// Staging
	AssetDir   string // workspace subdir holding desktop/icon/launcher
	HostTools  []string
	HostLibDir string
	HelperURL  string
	HelperName string

	// Packaging tools
	ToolURL       string
	QtPluginURL   string
	RepackToolURL string

	// Vendored runtime
	RuntimeVersion string
	RuntimeTarball string
	RuntimeURL     string
	RuntimeB3Sum   string
	RuntimeSubdir  string // destination under the staging lib dir

	// Paths
	CacheDir   string
	ScratchDir string
	TmpDir     string

	// Run behavior
	KeepScratch bool
	Quiet       bool
}

// configOverrides carries command-line flag values into the resolution
// step so the resulting PipelineConfig never changes afterwards.
type configOverrides struct {
	Clone       bool
	Branch      string
	Jobs        int
	KeepScratch bool
	Quiet       bool
}

const (
	defaultProduct       = "suiren"
	defaultHelperURL     = "https://raw.githubusercontent.com/Winetricks/winetricks/master/src/winetricks"
	defaultToolURL       = "https://github.com/linuxdeploy/linuxdeploy/releases/download/continuous/linuxdeploy-x86_64.AppImage"
	defaultQtPluginURL   = "https://github.com/linuxdeploy/linuxdeploy-plugin-qt/releases/download/continuous/linuxdeploy-plugin-qt-x86_64.AppImage"
	defaultRepackToolURL = "https://github.com/AppImage/appimagetool/releases/download/continuous/appimagetool-x86_64.AppImage"
	defaultRuntimeBase   = "https://github.com/Kron4ek/Wine-Builds/releases/download"
	defaultRuntimeVer    = "10.0"
	defaultHostLibDir    = "/usr/lib/p7zip"
)

// deriveRuntimeArtifacts maps a runtime version to its tarball name and
// download URL. The mapping is a fixed function of the version so cache
// keys and mirror copies stay stable.
func deriveRuntimeArtifacts(ver string) (tarball, url string) {
	tarball = fmt.Sprintf("wine-%s-amd64.tar.xz", ver)
	url = fmt.Sprintf("%s/%s/%s", defaultRuntimeBase, ver, tarball)
	return tarball, url
}

// newPipelineConfig resolves the raw key/value view plus flag overrides
// into the immutable run configuration.
func newPipelineConfig(cfg *Config, ov configOverrides) (*PipelineConfig, error) {
	pc := &PipelineConfig{
		Product:     cfg.Values["MIKOSHI_PRODUCT"],
		SourceURL:   cfg.Values["MIKOSHI_SOURCE_URL"],
		Branch:      cfg.Values["MIKOSHI_BRANCH"],
		GenerateCmd: cfg.Values["MIKOSHI_GENERATE"],
		CompileCmd:  cfg.Values["MIKOSHI_COMPILE"],
		CFlags:      cfg.Values["MIKOSHI_CFLAGS"],
		HostLibDir:  cfg.Values["MIKOSHI_HOST_LIB_DIR"],
		HelperURL:   cfg.Values["MIKOSHI_HELPER_URL"],

		ToolURL:       cfg.Values["MIKOSHI_TOOL_URL"],
		QtPluginURL:   cfg.Values["MIKOSHI_QT_PLUGIN_URL"],
		RepackToolURL: cfg.Values["MIKOSHI_REPACK_TOOL_URL"],

		RuntimeVersion: cfg.Values["MIKOSHI_RUNTIME_VERSION"],
		RuntimeTarball: cfg.Values["MIKOSHI_RUNTIME_TARBALL"],
		RuntimeURL:     cfg.Values["MIKOSHI_RUNTIME_URL"],
		RuntimeB3Sum:   cfg.Values["MIKOSHI_RUNTIME_B3SUM"],

		CacheDir: cfg.Values["MIKOSHI_CACHE_DIR"],
		TmpDir:   cfg.Values["TMPDIR"],

		Clone:       ov.Clone,
		KeepScratch: ov.KeepScratch,
		Quiet:       ov.Quiet,
	}

	if pc.Product == "" {
		pc.Product = defaultProduct
	}
	if ov.Branch != "" {
		pc.Branch = ov.Branch
	}
	if pc.Branch == "" {
		pc.Branch = "main"
	}
	if pc.GenerateCmd == "" {
		pc.GenerateCmd = "qmake"
	}
	if pc.CompileCmd == "" {
		pc.CompileCmd = "make"
	}
	if pc.HostLibDir == "" {
		pc.HostLibDir = defaultHostLibDir
	}
	if pc.HelperURL == "" {
		pc.HelperURL = defaultHelperURL
	}
	pc.HelperName = filepath.Base(pc.HelperURL)
	if pc.ToolURL == "" {
		pc.ToolURL = defaultToolURL
	}
	if pc.QtPluginURL == "" {
		pc.QtPluginURL = defaultQtPluginURL
	}
	if pc.RepackToolURL == "" {
		pc.RepackToolURL = defaultRepackToolURL
	}

	if pc.RuntimeVersion == "" {
		pc.RuntimeVersion = defaultRuntimeVer
	}
	tarball, url := deriveRuntimeArtifacts(pc.RuntimeVersion)
	if pc.RuntimeTarball == "" {
		pc.RuntimeTarball = tarball
	}
	if pc.RuntimeURL == "" {
		pc.RuntimeURL = url
	}
	pc.RuntimeSubdir = "wine"

	pc.Jobs = runtime.NumCPU()
	if js := cfg.Values["MIKOSHI_JOBS"]; js != "" {
		n, err := strconv.Atoi(js)
		if err != nil || n < 1 {
			return nil, &ConfigurationError{Err: fmt.Errorf("invalid MIKOSHI_JOBS value %q", js)}
		}
		pc.Jobs = n
	}
	if ov.Jobs > 0 {
		pc.Jobs = ov.Jobs
	}

	if pc.CFlags == "" {
		pc.CFlags = SuggestCFLAGS()
	}
	pc.NiceBuild = cfg.Values["MIKOSHI_NICE"] == "1"

	pc.HostTools = []string{"bash", "7z", "7za", "zstd", "xz"}
	if tools := cfg.Values["MIKOSHI_HOST_TOOLS"]; tools != "" {
		pc.HostTools = strings.Fields(tools)
	}

	if pc.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = pc.TmpDir
		}
		pc.CacheDir = filepath.Join(base, "mikoshi")
	}

	pc.AssetDir = cfg.Values["MIKOSHI_ASSET_DIR"]
	if pc.AssetDir == "" {
		pc.AssetDir = "appimage"
	}

	pc.ScratchDir = cfg.Values["MIKOSHI_SCRATCH_DIR"]
	if pc.ScratchDir == "" {
		pc.ScratchDir = filepath.Join(pc.TmpDir, "mikoshi-"+pc.Product)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("cannot determine working directory: %w", err)}
	}
	pc.CloneDir = filepath.Join(cwd, pc.Product)

	if pc.Clone && pc.SourceURL == "" {
		return nil, &ConfigurationError{Err: fmt.Errorf("clone requested but MIKOSHI_SOURCE_URL is empty")}
	}

	for _, p := range []string{pc.ScratchDir, pc.CacheDir} {
		if err := assertRemovablePath(p); err != nil {
			return nil, &ConfigurationError{Err: err}
		}
	}

	initDebug(cfg)

	return pc, nil
}

func initDebug(cfg *Config) {
	Debug = cfg.Values["MIKOSHI_DEBUG"] == "1"
	Verbose = cfg.Values["MIKOSHI_VERBOSE"] == "1"
}
