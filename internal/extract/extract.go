// Package extract parses the stage-to-core line protocol out of the agent
// stdout stream and compresses changed-file lists for display.
//
// Two reserved line prefixes form the side channel; every other line is
// forwarded untouched to logs and the UI:
//
//	::report_outputs:: {"outputs": {"key": "value"}}
//	::kv:: key=value
package extract

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Reserved line prefixes of the stage output side channel.
const (
	OutputsPrefix = "::report_outputs::"
	KVPrefix      = "::kv::"
)

// Kind classifies one stream line.
type Kind string

const (
	// KindStructured is a ::report_outputs:: line carrying a JSON object.
	KindStructured Kind = "structured"

	// KindKV is a ::kv:: line carrying one key=value pair.
	KindKV Kind = "kv"

	// KindText is any other line; passthrough.
	KindText Kind = "text"
)

// Line is the classification of one stdout line.
type Line struct {
	Kind Kind

	// Outputs is set for KindStructured.
	Outputs map[string]any

	// Key and Value are set for KindKV.
	Key   string
	Value string

	// Err is set when a reserved prefix carried a malformed payload. The
	// line still classifies under its prefix kind so callers can log the
	// defect instead of silently passing it through as text.
	Err error
}

// reportPayload is the JSON envelope of a ::report_outputs:: line.
type reportPayload struct {
	Outputs map[string]any `json:"outputs"`
}

// FromStream classifies one line of agent stdout. The reserved prefixes
// are matched exactly at the start of the (space-trimmed) line so they
// survive passthrough unambiguously.
func FromStream(line string) Line {
	trimmed := strings.TrimSpace(line)

	if rest, ok := strings.CutPrefix(trimmed, OutputsPrefix); ok {
		var payload reportPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &payload); err != nil {
			return Line{Kind: KindStructured, Err: fmt.Errorf("extract: malformed outputs payload: %w", err)}
		}
		if payload.Outputs == nil {
			return Line{Kind: KindStructured, Err: fmt.Errorf("extract: outputs payload missing %q object", "outputs")}
		}
		return Line{Kind: KindStructured, Outputs: payload.Outputs}
	}

	if rest, ok := strings.CutPrefix(trimmed, KVPrefix); ok {
		key, value, found := strings.Cut(strings.TrimSpace(rest), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return Line{Kind: KindKV, Err: fmt.Errorf("extract: malformed kv line %q", trimmed)}
		}
		return Line{Kind: KindKV, Key: key, Value: strings.TrimSpace(value)}
	}

	return Line{Kind: KindText}
}

// maxListedFiles is the threshold above which CompressFileList switches
// from a plain listing to a directory-grouped summary.
const maxListedFiles = 5

// maxListedDirs caps how many directory groups the summary names.
const maxListedDirs = 5

// CompressFileList renders a changed-file list for human consumption.
// Up to maxListedFiles files are listed verbatim; larger sets are grouped
// by directory, sorted by descending count (ties broken by name), with a
// trailing ellipsis when directories were cut. The result depends only on
// the multiset of directory prefixes and the length, not on file order.
func CompressFileList(files []string) string {
	if len(files) == 0 {
		return "No files changed"
	}
	if len(files) <= maxListedFiles {
		sorted := make([]string, len(files))
		copy(sorted, files)
		sort.Strings(sorted)
		return strings.Join(sorted, "\n")
	}

	counts := make(map[string]int)
	for _, f := range files {
		dir := filepath.Dir(f)
		if dir == "." {
			dir = "./"
		} else {
			dir += "/"
		}
		counts[dir]++
	}

	dirs := make([]string, 0, len(counts))
	for d := range counts {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if counts[dirs[i]] != counts[dirs[j]] {
			return counts[dirs[i]] > counts[dirs[j]]
		}
		return dirs[i] < dirs[j]
	})

	truncated := len(dirs) > maxListedDirs
	if truncated {
		dirs = dirs[:maxListedDirs]
	}

	parts := make([]string, len(dirs))
	for i, d := range dirs {
		parts[i] = fmt.Sprintf("%s (%d)", d, counts[d])
	}
	summary := fmt.Sprintf("Changed %d files in: %s", len(files), strings.Join(parts, ", "))
	if truncated {
		summary += ", ..."
	}
	return summary
}
