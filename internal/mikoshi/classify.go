package mikoshi

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// isNativeExecutable reports whether the file contents begin with an ELF
// header. The executable permission bit alone is useless as a
// discriminator here: staged helper tools include shell wrappers and a
// downloaded script that are legitimately executable but must never go
// through dependency resolution.
func isNativeExecutable(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil // too short to be a binary
		}
		return false, err
	}
	return magic == elfMagic, nil
}

// classifyExecutables scans the given directories at a single depth and
// returns the staged files that carry the executable bit AND pass the
// binary-format check. Missing directories beyond the first are optional
// and skipped. Enumeration is lexicographic per directory, with
// directories in argument order; duplicates keep their first occurrence.
func classifyExecutables(dirs ...string) ([]string, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no directories to classify")
	}

	var out []string
	seen := make(map[string]bool)

	for i, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if i > 0 && os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("cannot scan %s: %w", dir, err)
		}

		// os.ReadDir returns entries sorted by name, which pins the
		// enumeration order across hosts.
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())

			// Follow symlinks for both the mode and the header read.
			info, err := os.Stat(path)
			if err != nil {
				debugf("skipping unstatable candidate %s: %v\n", path, err)
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			if info.Mode().Perm()&0o111 == 0 {
				continue
			}

			native, err := isNativeExecutable(path)
			if err != nil {
				return nil, fmt.Errorf("cannot inspect %s: %w", path, err)
			}
			if !native {
				debugf("excluding non-native executable %s\n", path)
				continue
			}

			if seen[path] {
				continue
			}
			seen[path] = true
			out = append(out, path)
		}
	}

	return out, nil
}
