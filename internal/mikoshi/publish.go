package mikoshi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ReleaseEntry describes one published bundle in the remote index.
type ReleaseEntry struct {
	Product   string `json:"product"`
	Version   string `json:"version"`
	Filename  string `json:"filename"`
	B3Sum     string `json:"b3sum"`
	Size      int64  `json:"size"`
	Published string `json:"published"`
}

func releaseIndexKey(product string) string {
	return path.Join("releases", product, "index.json")
}

func parseReleaseIndex(data []byte) ([]ReleaseEntry, error) {
	var entries []ReleaseEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func gitDescribe(dir string) string {
	out, err := exec.Command("git", "-C", dir, "describe", "--tags", "--always", "--dirty").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// publishArtifact uploads the finalized bundle plus a checksum sidecar
// and refreshes the remote release index.
func publishArtifact(ctx context.Context, client *ReleaseClient, cfg *PipelineConfig, version string) error {
	_, workspace := probeState(cfg)
	if workspace == "" {
		return fmt.Errorf("cannot locate workspace root")
	}

	artifact := filepath.Join(workspace, artifactName(cfg.Product))
	stat, err := os.Stat(artifact)
	if err != nil {
		return fmt.Errorf("no finalized bundle at %s, run 'mikoshi build' first", artifact)
	}

	if version == "" {
		version = gitDescribe(workspace)
	}
	if version == "" {
		version = "untagged"
	}

	stepf("Checksumming %s\n", filepath.Base(artifact))
	sum, err := fileChecksum(artifact)
	if err != nil {
		return fmt.Errorf("cannot checksum artifact: %w", err)
	}

	colArrow.Print("-> ")
	if !askForConfirmation(colWarn, "Publish %s (%s) as version %s? ", filepath.Base(artifact), humanReadableSize(stat.Size()), version) {
		cPrintln(colNote, "Publish aborted")
		return nil
	}

	base := filepath.Base(artifact)
	key := path.Join("releases", cfg.Product, version, base)

	stepf("Uploading %s\n", key)
	if err := client.UploadLocal(ctx, key, artifact); err != nil {
		return fmt.Errorf("failed to upload %s: %w", base, err)
	}
	if err := client.Upload(ctx, key+".b3", []byte(sum+"  "+base+"\n")); err != nil {
		return fmt.Errorf("failed to upload checksum: %w", err)
	}

	stepf("Updating release index\n")
	var entries []ReleaseEntry
	if data, err := client.Download(ctx, releaseIndexKey(cfg.Product)); err != nil {
		debugf("remote index not found or unreadable: %v\n", err)
	} else if entries, err = parseReleaseIndex(data); err != nil {
		return fmt.Errorf("failed to parse remote index: %w", err)
	}

	entry := ReleaseEntry{
		Product:   cfg.Product,
		Version:   version,
		Filename:  key,
		B3Sum:     sum,
		Size:      stat.Size(),
		Published: time.Now().UTC().Format(time.RFC3339),
	}

	replaced := false
	for i := range entries {
		if entries[i].Version == version && entries[i].Product == cfg.Product {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Version != entries[j].Version {
			return entries[i].Version < entries[j].Version
		}
		return entries[i].Filename < entries[j].Filename
	})

	indexBytes, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := client.Upload(ctx, releaseIndexKey(cfg.Product), indexBytes); err != nil {
		return fmt.Errorf("failed to upload index: %w", err)
	}

	reportStorageUsage(ctx, client)

	cPrintf(colSuccess, "Published %s %s\n", cfg.Product, version)
	return nil
}

// listReleases prints the published versions of a product.
func listReleases(ctx context.Context, client *ReleaseClient, product string) error {
	objects, err := client.List(ctx, path.Join("releases", product)+"/")
	if err != nil {
		return fmt.Errorf("failed to list releases: %w", err)
	}

	var total int64
	var lines []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".b3") || strings.HasSuffix(obj.Key, "index.json") {
			continue
		}
		total += obj.Size
		lines = append(lines, fmt.Sprintf("%-10s %s", humanReadableSize(obj.Size), obj.Key))
	}

	if len(lines) == 0 {
		cPrintln(colNote, "No published releases")
		return nil
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	cPrintf(colNote, "%d release files, %s total\n", len(lines), humanReadableSize(total))
	return nil
}

// reportStorageUsage sums the whole bucket against the free R2 tier.
func reportStorageUsage(ctx context.Context, client *ReleaseClient) {
	objects, err := client.List(ctx, "")
	if err != nil {
		return
	}
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}

	const tenGB = 10 * 1024 * 1024 * 1024
	percent := (float64(total) / float64(tenGB)) * 100
	colArrow.Print("-> ")
	colSuccess.Printf("Storage used: ")
	colNote.Printf("%s / 10 GiB (%.1f%%)\n", humanReadableSize(total), percent)

	if total > (tenGB * 9 / 10) {
		colWarn.Println("Warning: over 90% of the free R2 storage limit in use!")
	}
}

func humanReadableSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
