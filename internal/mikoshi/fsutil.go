package mikoshi

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	// Copy file mode
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

// copyDir recursively copies a directory from src to dst
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			_ = os.Remove(dstPath)
			if err := os.Symlink(target, dstPath); err != nil {
				return err
			}
			continue
		}
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
		} else {
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
		}
	}

	return nil
}

// copyTreePreserving copies src into dst through an in-memory tar pipe so
// symlinks stay symlinks, hard links stay hard links, and modes survive.
// This is the verbatim-copy primitive: it never resolves a link target.
func copyTreePreserving(src, dst string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	seenInodes := make(map[uint64]string)

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		// Skip the root directory itself (we want contents only)
		if rel == "." {
			return nil
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = rel

		// Multiply-linked files are written once; later paths become
		// hard link entries against the first.
		if info.Mode().IsRegular() {
			if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
				if first, seen := seenInodes[st.Ino]; seen {
					hdr.Typeflag = tar.TypeLink
					hdr.Linkname = first
					hdr.Size = 0
					return tw.WriteHeader(hdr)
				}
				seenInodes[st.Ino] = rel
			}
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open file %s: %w", path, err)
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}

		return nil
	})

	if err != nil {
		tw.Close()
		return fmt.Errorf("failed to create tar archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	tr := tar.NewReader(&buf)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		target := filepath.Join(dst, hdr.Name)

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir %s: %w", filepath.Dir(target), err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
			os.Chtimes(target, hdr.AccessTime, hdr.ModTime) // best effort

		case tar.TypeReg:
			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
			outFile.Close()
			os.Chtimes(target, hdr.AccessTime, hdr.ModTime) // best effort

		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", target, err)
			}
			atime := unix.Timeval{Sec: hdr.AccessTime.Unix(), Usec: int64(hdr.AccessTime.Nanosecond() / 1000)}
			mtime := unix.Timeval{Sec: hdr.ModTime.Unix(), Usec: int64(hdr.ModTime.Nanosecond() / 1000)}
			_ = unix.Lutimes(target, []unix.Timeval{atime, mtime})

		case tar.TypeLink:
			linkTarget := filepath.Join(dst, hdr.Linkname)
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", target, err)
			}

		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	return nil
}

// treeEntry describes one path in a tree listing.
type treeEntry struct {
	Path     string
	FileType string // "f" for file, "d" for directory, "l" for symlink
}

// listTreeEntries walks root and returns a sorted relative listing.
func listTreeEntries(root string) ([]treeEntry, error) {
	var entries []treeEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if rel == "." {
			return nil
		}

		entry := treeEntry{}
		if info.IsDir() {
			entry.Path = "/" + rel + "/"
			entry.FileType = "d"
		} else if info.Mode()&os.ModeSymlink != 0 {
			entry.Path = "/" + rel
			entry.FileType = "l"
		} else {
			entry.Path = "/" + rel
			entry.FileType = "f"
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// treeSignature hashes a tree's structure and file contents, ignoring
// timestamps, so two assemblies can be compared for byte-identity.
func treeSignature(root string) (string, error) {
	entries, err := listTreeEntries(root)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.FileType)
		sb.WriteString(" ")
		sb.WriteString(e.Path)
		full := filepath.Join(root, strings.TrimSuffix(strings.TrimPrefix(e.Path, "/"), "/"))
		switch e.FileType {
		case "f":
			info, err := os.Lstat(full)
			if err != nil {
				return "", err
			}
			sum, err := fileChecksum(full)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&sb, " %o %s", info.Mode().Perm(), sum)
		case "l":
			target, err := os.Readlink(full)
			if err != nil {
				return "", err
			}
			sb.WriteString(" -> ")
			sb.WriteString(target)
		}
		sb.WriteString("\n")
	}
	return hashString(sb.String()), nil
}
