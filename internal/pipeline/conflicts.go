package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/forgeline/gaffer/pkg/models"
)

// Conflict marker prefixes as git writes them.
const (
	markerOurs   = "<<<<<<<"
	markerSplit  = "======="
	markerTheirs = ">>>>>>>"
)

// HasConflictMarkers reports whether content still carries a full conflict
// section. A lone ======= (a markdown underline, say) does not count.
func HasConflictMarkers(content string) bool {
	return strings.Contains(content, markerOurs) || strings.Contains(content, markerTheirs)
}

// ResolveUnion rewrites conflicted content by replacing each conflict
// section with the union of both sides: every line of ours, then every
// line of theirs not already present in ours. Works for append-style
// conflicts (changelogs, registries, import lists); anything needing real
// understanding goes to the agent resolver instead. The second return is
// false when the content has no conflict sections.
func ResolveUnion(content string) (string, bool) {
	if !HasConflictMarkers(content) {
		return content, false
	}

	lines := strings.Split(content, "\n")
	var out []string
	resolvedAny := false

	for i := 0; i < len(lines); {
		if !strings.HasPrefix(lines[i], markerOurs) {
			out = append(out, lines[i])
			i++
			continue
		}

		// Collect ours until =======, theirs until >>>>>>>.
		var ours, theirs []string
		j := i + 1
		for j < len(lines) && !strings.HasPrefix(lines[j], markerSplit) {
			ours = append(ours, lines[j])
			j++
		}
		if j >= len(lines) {
			// Truncated section; keep the raw text rather than eat it.
			out = append(out, lines[i:]...)
			break
		}
		j++ // Skip =======.
		closed := false
		for j < len(lines) {
			if strings.HasPrefix(lines[j], markerTheirs) {
				closed = true
				j++
				break
			}
			theirs = append(theirs, lines[j])
			j++
		}
		if !closed {
			out = append(out, lines[i:]...)
			break
		}

		out = append(out, unionLines(ours, theirs)...)
		resolvedAny = true
		i = j
	}

	return strings.Join(out, "\n"), resolvedAny
}

// unionLines keeps every line of ours, then appends lines of theirs that
// ours does not already contain. Blank lines are never deduplicated.
func unionLines(ours, theirs []string) []string {
	seen := make(map[string]bool, len(ours))
	for _, line := range ours {
		if strings.TrimSpace(line) != "" {
			seen[line] = true
		}
	}
	out := append([]string{}, ours...)
	for _, line := range theirs {
		if strings.TrimSpace(line) == "" || !seen[line] {
			out = append(out, line)
		}
	}
	return out
}

// manifestPatterns matches dependency manifests whose conflicts require a
// reinstall after resolution.
var manifestPatterns = []string{
	"**/pubspec.yaml",
	"**/package.json",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/requirements.txt",
	"**/Pipfile.lock",
	"**/Cargo.toml",
	"**/go.mod",
}

// IsDependencyManifest reports whether the path names a dependency manifest.
func IsDependencyManifest(path string) bool {
	normalized := filepath.ToSlash(path)
	for _, pattern := range manifestPatterns {
		if ok, err := doublestar.Match(pattern, normalized); err == nil && ok {
			return true
		}
		// Top-level manifests have no directory prefix for ** to consume.
		if ok, err := doublestar.Match(strings.TrimPrefix(pattern, "**/"), normalized); err == nil && ok {
			return true
		}
	}
	return false
}

// AnyDependencyManifest reports whether any of the paths is a manifest.
func AnyDependencyManifest(paths []string) bool {
	for _, p := range paths {
		if IsDependencyManifest(p) {
			return true
		}
	}
	return false
}

// InstallCommandFor returns the configured install command for the
// repository, empty when none is configured.
func InstallCommandFor(env models.EnvironmentConfig, repo string) string {
	return env.CommandsFor(repo).Install
}
