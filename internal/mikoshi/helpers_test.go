package mikoshi

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner satisfies Runner without spawning processes. Every command
// is recorded; hook, when set, stands in for the real tool.
type fakeRunner struct {
	cmds []*exec.Cmd
	hook func(cmd *exec.Cmd) error
}

func (f *fakeRunner) Run(cmd *exec.Cmd) error {
	f.cmds = append(f.cmds, cmd)
	if f.hook != nil {
		return f.hook(cmd)
	}
	return nil
}

func (f *fakeRunner) calls() []string {
	out := make([]string, 0, len(f.cmds))
	for _, c := range f.cmds {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

// stubFetch serves pre-created local files keyed by URL, so no test ever
// touches the network.
func stubFetch(files map[string]string) fetchFunc {
	return func(cfg *PipelineConfig, url, version string, opt downloadOptions) (string, error) {
		path, ok := files[url]
		if !ok {
			return "", fmt.Errorf("unexpected fetch of %s", url)
		}
		return path, nil
	}
}

// writeELF drops a file carrying the ELF magic at path.
func writeELF(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	content := append([]byte{0x7f, 'E', 'L', 'F'}, []byte("fake machine code")...)
	require.NoError(t, os.WriteFile(path, content, mode))
}

// writeScript drops a shell script at path. Scripts may carry the exec
// bit but must never classify as native binaries.
func writeScript(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode))
}

// tarEntry describes one member of a generated test archive.
type tarEntry struct {
	name    string
	mode    int64
	typ     byte
	content string
	link    string
}

func writeTarTo(t *testing.T, w io.Writer, entries []tarEntry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     e.mode,
			Typeflag: e.typ,
			Linkname: e.link,
			Size:     int64(len(e.content)),
			ModTime:  time.Unix(1700000000, 0),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typ == tar.TypeReg {
			_, err := io.WriteString(tw, e.content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

func writeTarFile(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	writeTarTo(t, f, entries)
	require.NoError(t, f.Close())
}

// envValue returns the effective value of key in an exec environment,
// where a later entry overrides an earlier one.
func envValue(env []string, key string) string {
	val := ""
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			val = strings.TrimPrefix(kv, prefix)
		}
	}
	return val
}
