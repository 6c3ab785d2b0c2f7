package agent

import (
	"fmt"
	"strings"

	"github.com/forgeline/gaffer/pkg/models"
)

// Prompt builders for the three agent roles. Each prompt ends with the
// output contract: the textual markers and the structured JSON block the
// parsers in markers.go and output.go understand.

// systemPromptFor returns the role preamble used by the API runner. The
// CLI runner folds the same text into the prompt itself.
func systemPromptFor(role Role) string {
	switch role {
	case RoleDeveloper:
		return "You are a senior software developer working autonomously on one story in a larger task. " +
			"You write production-quality code, commit it with clear messages, and push your branch. " +
			"You never leave uncommitted work behind."
	case RoleJudge:
		return "You are a strict code reviewer. You evaluate exactly one commit against the story's " +
			"acceptance criteria. You inspect the actual code, never trusting claims in commit messages."
	case RoleConflictResolver:
		return "You are a merge conflict specialist. You resolve conflicts by understanding the intent " +
			"of both sides, keeping every change that can coexist. You never delete one side blindly."
	default:
		return "You are an autonomous software agent."
	}
}

// DeveloperPrompt builds the full prompt for a developer invocation.
func DeveloperPrompt(req DeveloperRequest) string {
	var sb strings.Builder

	sb.WriteString(systemPromptFor(RoleDeveloper))
	sb.WriteString("\n\n")

	sb.WriteString("## Story\n\n")
	fmt.Fprintf(&sb, "Story ID: %s\n", req.Story.ID)
	fmt.Fprintf(&sb, "Title: %s\n", req.Story.Title)
	if req.Story.Description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(req.Story.Description)
		sb.WriteString("\n")
	}
	if req.Epic.Name != "" {
		fmt.Fprintf(&sb, "\nThis story belongs to the epic %q.\n", req.Epic.Name)
	}

	if len(req.Story.AcceptanceCriteria) > 0 {
		sb.WriteString("\n## Acceptance Criteria\n\n")
		sb.WriteString("A judge will evaluate your commit against every one of these:\n\n")
		for _, ac := range req.Story.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", ac)
		}
	}

	sb.WriteString("\n## Repository\n\n")
	fmt.Fprintf(&sb, "You are working in the %s repository, already checked out on branch `%s`.\n", req.Repository.Name, req.Branch)
	fmt.Fprintf(&sb, "Your branch will be merged into `%s` when the work is approved.\n", req.EpicBranch)
	sb.WriteString("Stay on your branch. Do not merge, rebase, or touch other branches.\n")

	if cmd := verifyCommands(req.Commands); cmd != "" {
		sb.WriteString("\n## Verification\n\n")
		sb.WriteString("Verify your work before finishing:\n\n")
		sb.WriteString(cmd)
	}

	if req.Feedback != "" {
		sb.WriteString("\n## Previous Attempt Was Rejected\n\n")
		sb.WriteString("A judge rejected the previous attempt with this feedback:\n\n")
		sb.WriteString(req.Feedback)
		sb.WriteString("\n\nAddress every point before finishing.\n")
	}

	sb.WriteString("\n## When You Are Done\n\n")
	sb.WriteString("1. Commit ALL your work. Uncommitted files are lost.\n")
	fmt.Fprintf(&sb, "2. Push the branch: `git push -u origin %s`\n", req.Branch)
	sb.WriteString("3. Print these two lines exactly:\n\n")
	sb.WriteString("✅ DEVELOPER_FINISHED_SUCCESSFULLY\n")
	sb.WriteString("📍 Commit SHA: <the full 40-character sha of your final commit>\n\n")
	sb.WriteString("4. Then print a JSON summary:\n\n")
	sb.WriteString("```json\n")
	sb.WriteString(`{"success": true, "commit_sha": "<40-hex>", "branch_name": "<branch>", "files_modified": [], "files_created": [], "summary": "<one line>"}`)
	sb.WriteString("\n```\n\n")
	sb.WriteString("If you cannot complete the story, print `❌ FAILED: <reason>` instead and explain what blocked you.\n")

	return sb.String()
}

// verifyCommands renders the configured verification commands as a list.
func verifyCommands(cmds models.RepoCommands) string {
	var sb strings.Builder
	if cmds.Typecheck != "" {
		fmt.Fprintf(&sb, "- Typecheck: `%s` (print ✅ TYPECHECK_PASSED when clean)\n", cmds.Typecheck)
	}
	if cmds.Test != "" {
		fmt.Fprintf(&sb, "- Tests: `%s` (print ✅ TESTS_PASSED when green)\n", cmds.Test)
	}
	if cmds.Lint != "" {
		fmt.Fprintf(&sb, "- Lint: `%s` (print ✅ LINT_PASSED when clean)\n", cmds.Lint)
	}
	if cmds.Build != "" {
		fmt.Fprintf(&sb, "- Build: `%s` (print ✅ BUILD_PASSED on success)\n", cmds.Build)
	}
	return sb.String()
}

// JudgePrompt builds the full prompt for a judge invocation.
func JudgePrompt(in models.JudgeInput) string {
	var sb strings.Builder

	sb.WriteString(systemPromptFor(RoleJudge))
	sb.WriteString("\n\n")

	sb.WriteString("## Story Under Review\n\n")
	fmt.Fprintf(&sb, "Title: %s\n", in.Story.Title)
	if in.Story.Description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(in.Story.Description)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Commit\n\n")
	fmt.Fprintf(&sb, "Evaluate commit `%s` on branch `%s`.\n", in.CommitSHA, in.Branch)
	fmt.Fprintf(&sb, "The checkout at your working directory already has this commit checked out.\n")
	sb.WriteString("Inspect the diff with `git show " + in.CommitSHA + "` and read the changed files.\n")

	if len(in.Story.AcceptanceCriteria) > 0 {
		sb.WriteString("\n## Acceptance Criteria\n\n")
		for _, ac := range in.Story.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", ac)
		}
	}

	if in.BuildChecks != "" {
		sb.WriteString("\n## Build Verification\n\n")
		fmt.Fprintf(&sb, "Automated checks already ran: %s.\n", in.BuildChecks)
	}

	sb.WriteString("\n## Reject When You Find\n\n")
	sb.WriteString("- Conflict markers or merge damage (reject_reason: conflicts)\n")
	sb.WriteString("- Incorrect or low-quality code (reject_reason: code_issues)\n")
	sb.WriteString("- Changes outside the story's scope (reject_reason: scope_violation)\n")
	sb.WriteString("- Stubbed or TODO-only implementations (reject_reason: placeholder_code)\n")
	sb.WriteString("- Files the criteria require but the commit lacks (reject_reason: missing_files)\n")

	sb.WriteString("\n## Verdict\n\n")
	sb.WriteString("End your response with the marker line `✅ APPROVED` or `❌ REJECTED`, followed by a JSON verdict:\n\n")
	sb.WriteString("```json\n")
	sb.WriteString(`{"approved": false, "score": 0, "feedback": "<specific, actionable feedback>", "reject_reason": "code_issues"}`)
	sb.WriteString("\n```\n\n")
	sb.WriteString("Feedback goes back to the developer verbatim; make every point actionable.\n")

	return sb.String()
}

// ResolverPrompt builds the full prompt for a conflict-resolver invocation.
// The workspace is mid-merge with conflict markers in the listed files.
func ResolverPrompt(repoName, sourceBranch, targetBranch string, files []string) string {
	var sb strings.Builder

	sb.WriteString(systemPromptFor(RoleConflictResolver))
	sb.WriteString("\n\n")

	sb.WriteString("## Situation\n\n")
	fmt.Fprintf(&sb, "Merging `%s` into `%s` in the %s repository stopped with conflicts.\n", sourceBranch, targetBranch, repoName)
	sb.WriteString("The merge is still in progress; the working tree contains conflict markers.\n")

	sb.WriteString("\n## Conflicted Files\n\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s\n", f)
	}

	sb.WriteString("\n## Your Job\n\n")
	sb.WriteString("1. Open each conflicted file and resolve every `<<<<<<<` / `=======` / `>>>>>>>` section.\n")
	sb.WriteString("2. Keep the intent of BOTH sides wherever they can coexist.\n")
	sb.WriteString("3. Leave zero conflict markers. Files with markers fail the merge.\n")
	sb.WriteString("4. Do NOT commit. Do NOT run git merge commands. Only edit the files.\n")

	sb.WriteString("\n## When You Are Done\n\n")
	sb.WriteString("Print `✅ CONFLICT_RESOLVED` if every file is clean.\n")
	sb.WriteString("Print `❌ CONFLICT_UNRESOLVABLE: <reason>` if the changes are fundamentally incompatible.\n")

	return sb.String()
}
