package mikoshi

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// SuggestCFLAGS returns optimized CFLAGS for the host so builds default to
// something sane when the config does not pin its own.
func SuggestCFLAGS() string {
	arch := runtime.GOARCH
	if arch == "amd64" {
		march := "x86-64"

		flags := make(map[string]bool)
		file, err := os.Open("/proc/cpuinfo")
		if err == nil {
			defer file.Close()
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "flags") {
					parts := strings.SplitN(line, ":", 2)
					if len(parts) >= 2 {
						for _, f := range strings.Fields(parts[1]) {
							flags[f] = true
						}
					}
					break
				}
			}
		}

		if flags["avx512f"] {
			march = "x86-64-v4"
		} else if flags["avx2"] {
			march = "x86-64-v3"
		} else if flags["sse4_2"] {
			march = "x86-64-v2"
		}

		return fmt.Sprintf("-O2 -march=%s -mtune=generic -pipe", march)
	} else if arch == "arm64" {
		return "-O2 -march=armv8-a+crypto+crc -mtune=generic -pipe"
	}
	return "-O2 -pipe"
}
