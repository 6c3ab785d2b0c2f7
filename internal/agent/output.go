package agent

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgeline/gaffer/pkg/models"
)

// Agents are asked to end their response with a structured JSON block.
// They comply most of the time; when the JSON is missing or malformed the
// parsers fall back to the textual markers.

const developerSchemaJSON = `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success":        {"type": "boolean"},
		"commit_sha":     {"type": "string", "pattern": "^[0-9a-f]{40}$"},
		"branch_name":    {"type": "string"},
		"files_modified": {"type": "array", "items": {"type": "string"}},
		"files_created":  {"type": "array", "items": {"type": "string"}},
		"summary":        {"type": "string"}
	}
}`

const judgeSchemaJSON = `{
	"type": "object",
	"required": ["approved"],
	"properties": {
		"approved": {"type": "boolean"},
		"score":    {"type": "integer", "minimum": 0, "maximum": 100},
		"feedback": {"type": "string"},
		"reject_reason": {
			"type": "string",
			"enum": ["conflicts", "code_issues", "scope_violation", "placeholder_code", "missing_files", "other"]
		}
	}
}`

var (
	developerSchema = mustCompileSchema("developer.json", developerSchemaJSON)
	judgeSchema     = mustCompileSchema("judge.json", judgeSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

// validJSON reports whether candidate parses and satisfies the schema.
func validJSON(schema *jsonschema.Schema, candidate string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, false
	}
	if err := schema.Validate(v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// maxJSONCandidates caps how many embedded objects are tried per response.
const maxJSONCandidates = 8

// jsonObjects scans s for balanced top-level {...} substrings, skipping
// braces inside JSON strings. Agent prose around and between objects is
// ignored.
func jsonObjects(s string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
					if len(out) >= maxJSONCandidates {
						return out
					}
				}
			}
		}
	}
	return out
}

// ParseDeveloperJSON extracts a schema-valid developer result object from
// raw agent output. The last valid object wins, matching how agents place
// their final summary at the end of the response.
func ParseDeveloperJSON(raw string) (*models.DeveloperOutput, bool) {
	candidates := jsonObjects(raw)
	for i := len(candidates) - 1; i >= 0; i-- {
		if _, ok := validJSON(developerSchema, candidates[i]); !ok {
			continue
		}
		var out models.DeveloperOutput
		if err := json.Unmarshal([]byte(candidates[i]), &out); err != nil {
			continue
		}
		return &out, true
	}
	return nil, false
}

// DeriveDeveloperOutput builds a DeveloperOutput from raw agent output:
// the structured JSON block when present and valid, textual markers
// otherwise. Branch and story are filled from the request when the agent
// omitted them. The result is a claim for git validation, not a fact.
func DeriveDeveloperOutput(raw, branch, storyID string) *models.DeveloperOutput {
	out, structured := ParseDeveloperJSON(raw)
	signals := ExtractSignals(raw)

	if !structured {
		out = &models.DeveloperOutput{
			Success:   signals.DeveloperFinished && !signals.Failed,
			CommitSHA: signals.CommitSHA,
		}
	} else if signals.Failed {
		// An explicit failure marker overrides an optimistic JSON block.
		out.Success = false
	}

	if out.CommitSHA == "" {
		out.CommitSHA = signals.CommitSHA
	}
	if out.BranchName == "" {
		out.BranchName = branch
	}
	out.StoryID = storyID
	out.RawResponse = raw
	return out
}

// ParseJudgeResult extracts a verdict from judge output: the structured
// JSON block when present and valid, the verdict markers otherwise. The
// second return is false when the output carries no verdict at all.
func ParseJudgeResult(raw string) (*models.JudgeResult, bool) {
	candidates := jsonObjects(raw)
	for i := len(candidates) - 1; i >= 0; i-- {
		if _, ok := validJSON(judgeSchema, candidates[i]); !ok {
			continue
		}
		var res models.JudgeResult
		if err := json.Unmarshal([]byte(candidates[i]), &res); err != nil {
			continue
		}
		if !res.Approved && !res.RejectReason.Valid() {
			res.RejectReason = models.RejectReasonOther
		}
		return &res, true
	}

	signals := ExtractSignals(raw)
	switch {
	case signals.JudgeApproved && !signals.JudgeRejected:
		return &models.JudgeResult{Approved: true}, true
	case signals.JudgeRejected:
		return &models.JudgeResult{
			Approved:     false,
			Feedback:     strings.TrimSpace(PlainText(raw)),
			RejectReason: models.RejectReasonOther,
		}, true
	default:
		return nil, false
	}
}

// ParseResolverResult extracts the conflict-resolver verdict. Found is
// false when the output carries neither marker.
func ParseResolverResult(raw string) (resolved bool, reason string, found bool) {
	signals := ExtractSignals(raw)
	switch {
	case signals.ConflictUnresolvable:
		return false, signals.UnresolvableReason, true
	case signals.ConflictResolved:
		return true, "", true
	default:
		return false, "", false
	}
}
