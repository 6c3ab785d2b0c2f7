package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// toolbox executes tool calls from the API loop against a repository
// checkout. Paths resolve relative to the workspace.
type toolbox struct {
	dir string
}

// toolOutput is the result of one tool execution.
type toolOutput struct {
	Content string
	IsError bool
}

func toolErrf(format string, args ...interface{}) toolOutput {
	return toolOutput{Content: fmt.Sprintf(format, args...), IsError: true}
}

const maxToolOutput = 30_000

func clipToolOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}

// Execute dispatches a tool call by name.
func (t *toolbox) Execute(ctx context.Context, name string, input json.RawMessage) toolOutput {
	switch name {
	case "Read":
		return t.read(input)
	case "Write":
		return t.write(input)
	case "Edit":
		return t.edit(input)
	case "Bash":
		return t.bash(ctx, input)
	case "Glob":
		return t.glob(input)
	case "Grep":
		return t.grep(ctx, input)
	case "ListDir":
		return t.listDir(input)
	default:
		return toolErrf("unknown tool: %s", name)
	}
}

func (t *toolbox) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.dir, path)
}

func (t *toolbox) read(input json.RawMessage) toolOutput {
	var params struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolErrf("invalid parameters: %v", err)
	}

	content, err := os.ReadFile(t.resolve(params.FilePath))
	if err != nil {
		return toolErrf("read file: %v", err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return toolErrf("offset %d beyond end of file (%d lines)", params.Offset, len(lines))
		}
	}
	end := len(lines)
	if params.Limit > 0 && start+params.Limit < end {
		end = start + params.Limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, lines[i])
	}
	return toolOutput{Content: clipToolOutput(sb.String())}
}

func (t *toolbox) write(input json.RawMessage) toolOutput {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolErrf("invalid parameters: %v", err)
	}

	path := t.resolve(params.FilePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolErrf("create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return toolErrf("write file: %v", err)
	}
	return toolOutput{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.FilePath)}
}

func (t *toolbox) edit(input json.RawMessage) toolOutput {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolErrf("invalid parameters: %v", err)
	}

	path := t.resolve(params.FilePath)
	content, err := os.ReadFile(path)
	if err != nil {
		return toolErrf("read file: %v", err)
	}

	text := string(content)
	count := strings.Count(text, params.OldString)
	if count == 0 {
		return toolErrf("old_string not found in file")
	}
	if !params.ReplaceAll && count > 1 {
		return toolErrf("old_string found %d times; must be unique or use replace_all", count)
	}

	var updated string
	if params.ReplaceAll {
		updated = strings.ReplaceAll(text, params.OldString, params.NewString)
	} else {
		updated = strings.Replace(text, params.OldString, params.NewString, 1)
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return toolErrf("write file: %v", err)
	}

	if params.ReplaceAll {
		return toolOutput{Content: fmt.Sprintf("replaced %d occurrences", count)}
	}
	return toolOutput{Content: "edit applied"}
}

func (t *toolbox) bash(ctx context.Context, input json.RawMessage) toolOutput {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolErrf("invalid parameters: %v", err)
	}

	timeout := 2 * time.Minute
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", params.Command)
	cmd.Dir = t.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return toolErrf("command timed out after %v:\n%s", timeout, string(output))
		}
		return toolErrf("%s\nerror: %v", clipToolOutput(string(output)), err)
	}
	return toolOutput{Content: clipToolOutput(string(output))}
}

func (t *toolbox) glob(input json.RawMessage) toolOutput {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolErrf("invalid parameters: %v", err)
	}

	root := t.dir
	if params.Path != "" {
		root = t.resolve(params.Path)
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if ok, _ := doublestar.Match(params.Pattern, filepath.ToSlash(rel)); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return toolErrf("glob: %v", err)
	}
	if len(matches) == 0 {
		return toolOutput{Content: "no files matched the pattern"}
	}
	return toolOutput{Content: clipToolOutput(strings.Join(matches, "\n"))}
}

func (t *toolbox) grep(ctx context.Context, input json.RawMessage) toolOutput {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
		Context int    `json:"context"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolErrf("invalid parameters: %v", err)
	}

	args := []string{"--color=never", "-n"}
	if params.Context > 0 {
		args = append(args, "-C", fmt.Sprintf("%d", params.Context))
	}
	if params.Glob != "" {
		args = append(args, "--glob", params.Glob)
	}
	args = append(args, params.Pattern)

	searchPath := t.dir
	if params.Path != "" {
		searchPath = t.resolve(params.Path)
	}
	args = append(args, searchPath)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// rg exits non-zero on no match; treat empty output as "no matches".
	output, _ := exec.CommandContext(ctx, "rg", args...).CombinedOutput()
	if len(output) == 0 {
		return toolOutput{Content: "no matches found"}
	}
	return toolOutput{Content: clipToolOutput(string(output))}
}

func (t *toolbox) listDir(input json.RawMessage) toolOutput {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolErrf("invalid parameters: %v", err)
	}

	entries, err := os.ReadDir(t.resolve(params.Path))
	if err != nil {
		return toolErrf("read directory: %v", err)
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "d %s/\n", entry.Name())
			continue
		}
		if info, err := entry.Info(); err == nil {
			fmt.Fprintf(&sb, "- %s (%d bytes)\n", entry.Name(), info.Size())
		} else {
			fmt.Fprintf(&sb, "- %s\n", entry.Name())
		}
	}
	return toolOutput{Content: sb.String()}
}
