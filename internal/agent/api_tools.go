package agent

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// The API runner exposes the same tool surface the CLI allows, so prompts
// and agent behaviour stay interchangeable between the two backends.

func toolDef(name, desc string, required []string, props map[string]interface{}) anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		},
	}
}

func strProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

// workspaceTools returns the tool schemas for an agent working in a
// repository checkout.
func workspaceTools() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		toolDef("Read",
			"Read a file from the filesystem. Returns contents with line numbers.",
			[]string{"file_path"},
			map[string]interface{}{
				"file_path": strProp("Path to the file, absolute or workspace-relative"),
				"offset":    intProp("Line number to start from (1-indexed, optional)"),
				"limit":     intProp("Maximum number of lines to read (optional)"),
			}),
		toolDef("Write",
			"Write content to a file, creating parent directories as needed.",
			[]string{"file_path", "content"},
			map[string]interface{}{
				"file_path": strProp("Path to the file to write"),
				"content":   strProp("Full content to write"),
			}),
		toolDef("Edit",
			"Replace text in a file. old_string must be unique unless replace_all is set.",
			[]string{"file_path", "old_string", "new_string"},
			map[string]interface{}{
				"file_path":   strProp("Path to the file to edit"),
				"old_string":  strProp("Exact text to find"),
				"new_string":  strProp("Replacement text"),
				"replace_all": boolProp("Replace every occurrence (default false)"),
			}),
		toolDef("Bash",
			"Execute a shell command in the workspace and return its output.",
			[]string{"command"},
			map[string]interface{}{
				"command": strProp("The command to run"),
				"timeout": intProp("Timeout in milliseconds (optional, default 120000)"),
			}),
		toolDef("Glob",
			"Find files matching a glob pattern. Supports ** for recursion.",
			[]string{"pattern"},
			map[string]interface{}{
				"pattern": strProp("Glob pattern, e.g. '**/*.go'"),
				"path":    strProp("Directory to search in (optional)"),
			}),
		toolDef("Grep",
			"Search file contents with a regex pattern.",
			[]string{"pattern"},
			map[string]interface{}{
				"pattern": strProp("Regex pattern"),
				"path":    strProp("File or directory to search (optional)"),
				"glob":    strProp("Glob filter, e.g. '*.go' (optional)"),
				"context": intProp("Context lines around matches (optional)"),
			}),
		toolDef("ListDir",
			"List the contents of a directory.",
			[]string{"path"},
			map[string]interface{}{
				"path": strProp("Directory to list"),
			}),
	}
}
