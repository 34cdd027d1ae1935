package history

import (
	"os"
	"path/filepath"
	"strings"
)

// maxDecodeDepth bounds the directory walk so decoding always terminates,
// even on pathological names or symlink loops.
const maxDecodeDepth = 64

// decodeProjectID recovers the absolute filesystem path from an encoded
// project directory name. Encoding replaces every "/" with "-", which is
// ambiguous because path segments may themselves contain "-" or "_". The
// decoder splits the id on "-" and walks the real filesystem from the root,
// at each level consuming the directory entry that matches the longest
// prefix of the remaining parts (with "_" in the entry name treated as "-").
// Parts left over when no entry matches are joined verbatim.
func decodeProjectID(encoded string) string {
	trimmed := strings.TrimPrefix(encoded, "-")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "-")

	cur := "/"
	for depth := 0; depth < maxDecodeDepth && len(parts) > 0; depth++ {
		entries, err := os.ReadDir(cur)
		if err != nil {
			break
		}

		bestName := ""
		bestParts := 0
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if n := matchedParts(entry.Name(), parts); n > bestParts {
				bestName = entry.Name()
				bestParts = n
			}
		}
		if bestParts == 0 {
			break
		}
		cur = filepath.Join(cur, bestName)
		parts = parts[bestParts:]
	}

	if len(parts) > 0 {
		cur = filepath.Join(cur, filepath.Join(parts...))
	}
	return cur
}

// matchedParts returns how many leading parts the entry name consumes, or 0
// when it matches none. An entry consumes k parts when its name, with "_"
// substituted by "-", equals the first k parts joined by "-".
func matchedParts(name string, parts []string) int {
	substituted := strings.ReplaceAll(name, "_", "-")
	joined := ""
	for k := 1; k <= len(parts); k++ {
		if k == 1 {
			joined = parts[0]
		} else {
			joined += "-" + parts[k-1]
		}
		if len(joined) > len(substituted) {
			break
		}
		if joined == substituted {
			return k
		}
	}
	return 0
}

// encodeProjectPath is the inverse used when creating ids for new projects.
func encodeProjectPath(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}
