// Package diff compares two snapshots of a project's files.
package diff

import (
	"path"
	"sort"
	"strings"

	"github.com/dshills/codemechanic/internal/domain"
)

// ChangeType represents the type of change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
	ChangeRenamed  ChangeType = "renamed"
)

// Change represents a single file change between two snapshots.
type Change struct {
	Path         string     `json:"path"`
	OldPath      string     `json:"old_path,omitempty"` // renames only
	Type         ChangeType `json:"type"`
	AddedLines   int        `json:"added_lines"`
	RemovedLines int        `json:"removed_lines"`
}

// Result contains the diff between two snapshots.
type Result struct {
	Changes []Change `json:"changes"`
	Summary Summary  `json:"summary"`
}

// Summary provides aggregate counts.
type Summary struct {
	Added        int `json:"added"`
	Removed      int `json:"removed"`
	Modified     int `json:"modified"`
	Renamed      int `json:"renamed"`
	Total        int `json:"total"`
	AddedLines   int `json:"added_lines"`
	RemovedLines int `json:"removed_lines"`
}

// Files computes the changes from base to target, both keyed by path.
// A removed and an added file with identical content are reported as one rename.
func Files(base, target map[string]string) *Result {
	var changes []Change
	var added, removed []string

	for p, old := range base {
		cur, ok := target[p]
		switch {
		case !ok:
			removed = append(removed, p)
		case cur != old:
			a, r := lineDelta(old, cur)
			changes = append(changes, Change{Path: p, Type: ChangeModified, AddedLines: a, RemovedLines: r})
		}
	}
	for p := range target {
		if _, ok := base[p]; !ok {
			added = append(added, p)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	// Pair removals with additions of the same content.
	byContent := make(map[string][]string)
	for _, p := range removed {
		byContent[base[p]] = append(byContent[base[p]], p)
	}
	renamedFrom := make(map[string]bool)
	for _, p := range added {
		if olds := byContent[target[p]]; len(olds) > 0 {
			byContent[target[p]] = olds[1:]
			renamedFrom[olds[0]] = true
			changes = append(changes, Change{Path: p, OldPath: olds[0], Type: ChangeRenamed})
			continue
		}
		changes = append(changes, Change{Path: p, Type: ChangeAdded, AddedLines: countLines(target[p])})
	}
	for _, p := range removed {
		if renamedFrom[p] {
			continue
		}
		changes = append(changes, Change{Path: p, Type: ChangeRemoved, RemovedLines: countLines(base[p])})
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	summary := Summary{Total: len(changes)}
	for _, c := range changes {
		switch c.Type {
		case ChangeAdded:
			summary.Added++
		case ChangeRemoved:
			summary.Removed++
		case ChangeModified:
			summary.Modified++
		case ChangeRenamed:
			summary.Renamed++
		}
		summary.AddedLines += c.AddedLines
		summary.RemovedLines += c.RemovedLines
	}

	return &Result{Changes: changes, Summary: summary}
}

// FromArtifacts rebuilds the before and after snapshots of the files an
// execution session touched and diffs them. Artifacts must be in step order.
func FromArtifacts(arts []*domain.ExecutionArtifact) *Result {
	base := make(map[string]string)
	target := make(map[string]string)
	seen := make(map[string]bool)

	remember := func(p string, prev *string) {
		if seen[p] {
			return
		}
		seen[p] = true
		if prev != nil {
			base[p] = *prev
			target[p] = *prev
		}
	}

	for _, a := range arts {
		remember(a.FilePath, a.PreviousContent)
		switch a.Operation {
		case domain.OperationCreate, domain.OperationUpdate:
			if a.NewContent != nil {
				target[a.FilePath] = *a.NewContent
			}
		case domain.OperationDelete:
			delete(target, a.FilePath)
		case domain.OperationRename:
			remember(a.NewPath, nil)
			content, ok := target[a.FilePath]
			delete(target, a.FilePath)
			if ok {
				target[a.NewPath] = content
			}
		}
	}
	return Files(base, target)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// maxLCSCells bounds the LCS table; larger pairs fall back to a multiset count.
const maxLCSCells = 4_000_000

// lineDelta returns how many lines were added and removed going from a to b.
func lineDelta(a, b string) (added, removed int) {
	al, bl := splitLines(a), splitLines(b)

	// Trim the common prefix and suffix first; most edits are local.
	for len(al) > 0 && len(bl) > 0 && al[0] == bl[0] {
		al, bl = al[1:], bl[1:]
	}
	for len(al) > 0 && len(bl) > 0 && al[len(al)-1] == bl[len(bl)-1] {
		al, bl = al[:len(al)-1], bl[:len(bl)-1]
	}
	if len(al) == 0 || len(bl) == 0 {
		return len(bl), len(al)
	}

	var common int
	if len(al)*len(bl) <= maxLCSCells {
		common = lcs(al, bl)
	} else {
		counts := make(map[string]int, len(al))
		for _, l := range al {
			counts[l]++
		}
		for _, l := range bl {
			if counts[l] > 0 {
				counts[l]--
				common++
			}
		}
	}
	return len(bl) - common, len(al) - common
}

func lcs(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// ImpactAnalysis groups changes by top-level directory.
type ImpactAnalysis struct {
	AffectedSections []string `json:"affected_sections"`
	HighImpact       []string `json:"high_impact"`
	LowImpact        []string `json:"low_impact"`
}

// Files whose change usually affects the whole build.
var highImpactFiles = map[string]bool{
	"package.json":   true,
	"tsconfig.json":  true,
	"vite.config.ts": true,
	"vite.config.js": true,
	"go.mod":         true,
	"Dockerfile":     true,
	"index.html":     true,
}

// AnalyzeImpact determines which parts of the project are affected by changes.
// A section is high impact when it contains a build or manifest file.
func AnalyzeImpact(result *Result) *ImpactAnalysis {
	sections := make(map[string]bool) // section -> high impact
	for _, change := range result.Changes {
		for _, p := range []string{change.Path, change.OldPath} {
			if p == "" {
				continue
			}
			section := extractSection(p)
			sections[section] = sections[section] || highImpactFiles[path.Base(p)]
		}
	}

	analysis := &ImpactAnalysis{AffectedSections: make([]string, 0, len(sections))}
	for section, high := range sections {
		analysis.AffectedSections = append(analysis.AffectedSections, section)
		if high {
			analysis.HighImpact = append(analysis.HighImpact, section)
		} else {
			analysis.LowImpact = append(analysis.LowImpact, section)
		}
	}

	sort.Strings(analysis.AffectedSections)
	sort.Strings(analysis.HighImpact)
	sort.Strings(analysis.LowImpact)
	return analysis
}

// extractSection returns the first path segment, or "/" for root files.
func extractSection(p string) string {
	dir, _, found := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if !found {
		return "/"
	}
	return dir
}
