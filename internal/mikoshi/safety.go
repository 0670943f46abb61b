package mikoshi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths the pipeline may recreate with rm -rf are validated against this
// list first. These are exact matches.
var forbiddenRemoveDirs = map[string]struct{}{
	"/":         {},
	"/bin":      {},
	"/etc":      {},
	"/lib":      {},
	"/lib64":    {},
	"/opt":      {},
	"/sbin":     {},
	"/usr":      {},
	"/usr/bin":  {},
	"/usr/lib":  {},
	"/usr/sbin": {},
	"/var":      {},
	"/var/lib":  {},
	"/var/log":  {},
}

// Directories that must never be removed, nor anything directly inside
// their first level. Prefix check (recursive protection).
var forbiddenRemoveDirsRecursive = map[string]struct{}{
	"/boot": {},
	"/dev":  {},
	"/proc": {},
	"/run":  {},
	"/sys":  {},
}

// assertRemovablePath rejects paths whose recreation would clobber the
// host system.
func assertRemovablePath(path string) error {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return fmt.Errorf("refusing to manage relative path %q", path)
	}
	if _, bad := forbiddenRemoveDirs[clean]; bad {
		return fmt.Errorf("refusing to manage protected system path %q", clean)
	}
	for prefix := range forbiddenRemoveDirsRecursive {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return fmt.Errorf("refusing to manage path %q under protected %q", clean, prefix)
		}
	}
	return nil
}

// recreateDir removes path (validated) and makes it fresh.
func recreateDir(path string) error {
	if err := assertRemovablePath(path); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to recreate %s: %w", path, err)
	}
	return nil
}
