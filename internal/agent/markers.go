package agent

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Agents decorate their output with markdown: markers arrive bold, inside
// headings, as list items, or wrapped in backticks. Extraction therefore
// runs on a plain-text rendition of the output, never on the raw string.

var (
	finishedRe = regexp.MustCompile(`\b(?:DEVELOPER_)?FINISHED_SUCCESSFULLY\b`)

	// Bare FAILED appears constantly in test and build output, so the
	// failure marker requires the emoji.
	failedRe = regexp.MustCompile(`❌\s*FAILED\b`)

	// Only a full 40-hex object name counts. Abbreviated SHAs are not
	// accepted anywhere in the pipeline.
	commitSHARe = regexp.MustCompile(`(?:📍\s*)?Commit SHA:\s*([0-9a-f]{40})\b`)

	typecheckRe = regexp.MustCompile(`\bTYPECHECK_PASSED\b`)
	testsRe     = regexp.MustCompile(`\bTESTS_PASSED\b`)
	lintRe      = regexp.MustCompile(`\bLINT_PASSED\b`)
	buildRe     = regexp.MustCompile(`\bBUILD_PASSED\b`)

	// APPROVED and REJECTED are ordinary words, so judge verdict markers
	// require the emoji. Structured JSON verdicts are preferred anyway.
	approvedRe = regexp.MustCompile(`✅\s*APPROVED\b`)
	rejectedRe = regexp.MustCompile(`❌\s*REJECTED\b`)

	resolvedRe     = regexp.MustCompile(`\bCONFLICT_RESOLVED\b`)
	unresolvableRe = regexp.MustCompile(`\bCONFLICT_UNRESOLVABLE\b:?\s*([^\n]*)`)
)

// BuildChecks records which verification markers appeared in agent output.
// Absence of a marker means the check did not run, not that it failed.
type BuildChecks struct {
	Typecheck bool
	Tests     bool
	Lint      bool
	Build     bool
}

// Any returns true if at least one check marker was seen.
func (b BuildChecks) Any() bool {
	return b.Typecheck || b.Tests || b.Lint || b.Build
}

// Summary renders the checks for inclusion in a judge prompt.
func (b BuildChecks) Summary() string {
	if !b.Any() {
		return ""
	}
	var parts []string
	if b.Typecheck {
		parts = append(parts, "typecheck passed")
	}
	if b.Tests {
		parts = append(parts, "tests passed")
	}
	if b.Lint {
		parts = append(parts, "lint passed")
	}
	if b.Build {
		parts = append(parts, "build passed")
	}
	return strings.Join(parts, ", ")
}

// Signals is every marker the pipeline recognises in agent output.
type Signals struct {
	// DeveloperFinished is the success marker.
	DeveloperFinished bool
	// Failed is the explicit failure marker.
	Failed bool
	// CommitSHA is the last reported 40-hex commit, empty if none.
	CommitSHA string
	// Checks are the build verification markers.
	Checks BuildChecks
	// JudgeApproved and JudgeRejected are the judge verdict markers.
	JudgeApproved bool
	JudgeRejected bool
	// ConflictResolved and ConflictUnresolvable are the resolver verdict
	// markers; UnresolvableReason carries the text after the colon.
	ConflictResolved     bool
	ConflictUnresolvable bool
	UnresolvableReason   string
}

// ExtractSignals strips markdown from raw agent output and matches every
// known marker. Markers are hints; git remains the source of truth.
func ExtractSignals(raw string) Signals {
	plain := PlainText(raw)

	s := Signals{
		DeveloperFinished: finishedRe.MatchString(plain),
		Failed:            failedRe.MatchString(plain),
		Checks: BuildChecks{
			Typecheck: typecheckRe.MatchString(plain),
			Tests:     testsRe.MatchString(plain),
			Lint:      lintRe.MatchString(plain),
			Build:     buildRe.MatchString(plain),
		},
		JudgeApproved:    approvedRe.MatchString(plain),
		JudgeRejected:    rejectedRe.MatchString(plain),
		ConflictResolved: resolvedRe.MatchString(plain),
	}

	// The agent may print intermediate SHAs while working; the last one
	// mentioned is the final claim.
	if matches := commitSHARe.FindAllStringSubmatch(plain, -1); len(matches) > 0 {
		s.CommitSHA = matches[len(matches)-1][1]
	}

	if m := unresolvableRe.FindStringSubmatch(plain); m != nil {
		s.ConflictUnresolvable = true
		s.UnresolvableReason = strings.TrimSpace(m[1])
	}

	return s
}

// ExtractCommitSHA returns the last full commit SHA claimed in the output,
// or empty when none is present.
func ExtractCommitSHA(raw string) string {
	return ExtractSignals(raw).CommitSHA
}

// PlainText renders markdown to plain text: inline decoration is dropped,
// block boundaries and line breaks become newlines, code block content is
// kept verbatim.
func PlainText(raw string) string {
	source := []byte(raw)
	root := goldmark.New().Parser().Parse(gmtext.NewReader(source))

	var b strings.Builder
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			if n.Type() == gmast.TypeBlock && b.Len() > 0 {
				b.WriteByte('\n')
			}
			return gmast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *gmast.Text:
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *gmast.String:
			b.Write(node.Value)
		case *gmast.FencedCodeBlock, *gmast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
		}
		return gmast.WalkContinue, nil
	})

	return b.String()
}
