package mikoshi

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func newHTTPClient() (*http.Client, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	tlsConfig := &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	// Release hosts can be slow to complete the handshake; default 10s is
	// too tight.
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}, nil
}

type downloadOptions struct {
	Quiet bool // Quiet suppresses all stdout/stderr/progress output
	Force bool // Force redownloads even when the destination exists
}

func tryRemoveCachedFile(path string) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Someone is downloading or verifying the file; skip cleanup.
		return
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = os.Remove(path)
	_ = os.Remove(lockPath)
}

// downloadFileWithOptions fetches url into destFile (absolute path). The
// destination is flock-guarded so overlapping invocations against the same
// cache entry serialize instead of clobbering each other. Transport
// preference: curl, then wget, then the native Go client.
func downloadFileWithOptions(url, destFile string, opt downloadOptions) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}
	lockPath := destFile + ".lock"

	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Acquire an exclusive lock. This will block if another process/goroutine is downloading.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// DOUBLE CHECK: the file may have appeared while we waited for the lock.
	if _, err := os.Stat(destFile); err == nil && !opt.Force {
		debugf("File %s appeared after acquiring lock, skipping download.\n", destFile)
		_ = os.Remove(lockPath)
		return nil
	}

	// Ensure lock file is removed on successful download
	defer func() {
		if _, err := os.Stat(destFile); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", url, destFile)

	// --- Primary Choice: Try curl with Go-native colorization ---
	if _, err := exec.LookPath("curl"); err == nil {
		curlArgs := []string{"-L", "--fail", "-o", destFile}
		if opt.Quiet {
			curlArgs = append(curlArgs, "-sS")
		} else {
			curlArgs = append(curlArgs, "-#")
		}
		curlArgs = append(curlArgs, url)
		cmd := exec.Command("curl", curlArgs...)

		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
			if err := cmd.Run(); err == nil {
				return nil
			}
			debugf("curl (quiet) failed, falling back to wget\n")
		} else {
			stderrPipe, err := cmd.StderrPipe()
			if err != nil {
				cmd.Stderr = os.Stderr
			}
			cmd.Stdout = os.Stdout

			if err := cmd.Start(); err != nil {
				return fmt.Errorf("failed to start curl: %w", err)
			}

			if stderrPipe != nil {
				go func() {
					reader := bufio.NewReader(stderrPipe)
					blue := "\x1b[" + color.Blue.Code() + "m"
					reset := "\x1b[0m"
					for {
						lineBytes, err := reader.ReadBytes('\r')
						if len(lineBytes) > 0 {
							line := string(lineBytes)
							if strings.HasPrefix(strings.TrimSpace(line), "#") {
								fmt.Fprintf(os.Stderr, "%s%s%s", blue, line, reset)
							} else {
								fmt.Fprint(os.Stderr, line)
							}
						}
						if err != nil {
							break
						}
					}
				}()
			}

			if err := cmd.Wait(); err != nil {
				debugf("\ncurl failed, falling back to wget")
			} else {
				debugf("\nDownload successful with curl.")
				return nil
			}
		}
	} else {
		debugf("curl not found, trying wget")
	}

	// --- Fallback 1: Try wget ---
	if _, err := exec.LookPath("wget"); err == nil {
		args := []string{"-O", destFile}
		if opt.Quiet {
			args = append([]string{"-q"}, args...)
		} else {
			args = append([]string{"-nv"}, args...)
		}
		args = append(args, url)
		cmd := exec.Command("wget", args...)
		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err == nil {
			debugf("\nDownload successful with wget.")
			return nil
		}
		debugf("\nwget failed, falling back to native Go HTTP client")
	} else {
		debugf("wget not found, using native Go HTTP client")
	}

	// --- Fallback 2: Native Go HTTP Client ---
	return downloadNative(url, destFile, opt)
}

func downloadNative(url, destFile string, opt downloadOptions) error {
	client, err := newHTTPClient()
	if err != nil {
		return fmt.Errorf("failed to create http client: %w", err)
	}

	out, err := os.Create(destFile)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", destFile, err)
	}
	defer out.Close()

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	var dst io.Writer = out
	if !opt.Quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		dst = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}

	debugf("Download successful with native Go HTTP client.")
	return nil
}

// fetchFunc is the download seam the pipeline phases use so tests can
// substitute fixtures for the network.
type fetchFunc func(cfg *PipelineConfig, url, version string, opt downloadOptions) (string, error)

// fetchToCache downloads url into the cache keyed by hash(url+version) and
// returns the cached path. The version component busts stale entries for
// moving URLs like "continuous" release assets; obsolete keys for the same
// basename are swept out.
func fetchToCache(cfg *PipelineConfig, url, version string, opt downloadOptions) (string, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", cfg.CacheDir, err)
	}

	base := filepath.Base(url)
	hashName := fmt.Sprintf("%s-%s", hashString(url+version), base)
	cachePath := filepath.Join(cfg.CacheDir, hashName)

	// Remove files like "OLDHASH-name" so only "NEWHASH-name" remains.
	globPattern := filepath.Join(cfg.CacheDir, "*-"+base)
	if matches, err := filepath.Glob(globPattern); err == nil {
		for _, match := range matches {
			if match != cachePath && !strings.HasSuffix(match, ".lock") {
				debugf("Removing obsolete cached file: %s\n", match)
				tryRemoveCachedFile(match)
			}
		}
	}

	if _, err := os.Stat(cachePath); os.IsNotExist(err) || opt.Force {
		if !opt.Quiet {
			stepf("Fetching %s\n", base)
		}
		if err := downloadFileWithOptions(url, cachePath, opt); err != nil {
			return "", fmt.Errorf("failed to download %s: %w", url, err)
		}
	} else {
		debugf("Already in cache: %s\n", cachePath)
	}

	return cachePath, nil
}
