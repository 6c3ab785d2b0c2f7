package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/forgeline/gaffer/pkg/models"
)

// CLIOptions configures a CLIRunner.
type CLIOptions struct {
	// Binary is the claude executable, "claude" when empty.
	Binary string
	// Model is the default model; empty uses the CLI default.
	Model string
	// DeveloperTimeout, JudgeTimeout and ResolverTimeout cap invocations
	// per role. Zero values get production defaults.
	DeveloperTimeout time.Duration
	JudgeTimeout     time.Duration
	ResolverTimeout  time.Duration
	// OnProgress, when set, receives tool action lines as the agent works.
	OnProgress func(taskID, storyID, action string)
}

// CLIRunner executes agents through the claude CLI in print mode. Sessions
// are real CLI sessions, so interrupted developers resume with full context.
type CLIRunner struct {
	binary     string
	model      string
	timeouts   map[Role]time.Duration
	onProgress func(taskID, storyID, action string)
}

// NewCLIRunner creates a runner with the given options.
func NewCLIRunner(opts CLIOptions) *CLIRunner {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.DeveloperTimeout <= 0 {
		opts.DeveloperTimeout = 45 * time.Minute
	}
	if opts.JudgeTimeout <= 0 {
		opts.JudgeTimeout = 30 * time.Minute
	}
	if opts.ResolverTimeout <= 0 {
		opts.ResolverTimeout = 30 * time.Minute
	}
	return &CLIRunner{
		binary: opts.Binary,
		model:  opts.Model,
		timeouts: map[Role]time.Duration{
			RoleDeveloper:        opts.DeveloperTimeout,
			RoleJudge:            opts.JudgeTimeout,
			RoleConflictResolver: opts.ResolverTimeout,
		},
		onProgress: opts.OnProgress,
	}
}

var _ Runner = (*CLIRunner)(nil)

// timeoutFor resolves the effective timeout for a request.
func (r *CLIRunner) timeoutFor(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if d, ok := r.timeouts[req.Role]; ok {
		return d
	}
	return 30 * time.Minute
}

// ExecuteAgent runs one CLI invocation and drains its event stream. When
// the subprocess produced a result before failing, the partial Result is
// returned alongside the error so callers can account its cost.
func (r *CLIRunner) ExecuteAgent(ctx context.Context, req Request) (*Result, error) {
	timeout := r.timeoutFor(req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := NewCLIProcess(ctx, r.binary)

	opts := &StartOptions{Resume: req.ResumeSessionID}
	if req.Model != "" {
		opts.Model = req.Model
	} else {
		opts.Model = r.model
	}

	if req.ResumeSessionID != "" {
		log.Printf("[agent] %s resuming session %s for story %s", req.Role, req.ResumeSessionID, req.StoryID)
	}

	if err := proc.StartWithOptions(req.Prompt, req.WorkspaceDir, opts); err != nil {
		return nil, fmt.Errorf("start %s agent: %w", req.Role, err)
	}

	var (
		transcript strings.Builder
		res        Result
		gotResult  bool
		isError    bool
		lastErr    string
	)

	for event := range proc.Output() {
		if event.SessionID != "" {
			res.SDKSessionID = event.SessionID
		}
		if event.UUID != "" {
			res.LastMessageUUID = event.UUID
		}

		switch event.Type {
		case StreamEventAssistant:
			if event.Message != "" {
				transcript.WriteString(event.Message)
				transcript.WriteString("\n")
			}
			if event.ToolAction != "" && r.onProgress != nil {
				r.onProgress(req.TaskID, req.StoryID, event.ToolAction)
			}
		case StreamEventResult:
			gotResult = true
			isError = event.IsError
			res.Output = event.Message
			res.CostUSD = event.CostUSD
			res.Usage = models.TokenUsage{Input: event.InputTokens, Output: event.OutputTokens}
			res.NumTurns = event.NumTurns
			res.DurationMS = event.DurationMS
		case StreamEventError:
			lastErr = event.Error
		}
	}

	waitErr := proc.Wait()

	// The final result event is authoritative; the transcript is the
	// fallback when the process died before emitting one.
	if res.Output == "" {
		res.Output = transcript.String()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &res, fmt.Errorf("%s agent timed out after %s: %w", req.Role, timeout, context.DeadlineExceeded)
	}
	if gotResult && isError {
		return &res, fmt.Errorf("%s agent reported error: %s", req.Role, firstNonEmptyLine(res.Output, lastErr))
	}
	if !gotResult {
		if waitErr != nil {
			return &res, fmt.Errorf("%s agent exited without result: %w", req.Role, waitErr)
		}
		return &res, fmt.Errorf("%s agent produced no result event", req.Role)
	}
	if waitErr != nil {
		// Result arrived but the process still exited non-zero; keep the
		// result and surface the exit.
		return &res, fmt.Errorf("%s agent exit: %w", req.Role, waitErr)
	}

	return &res, nil
}

// ExecuteDeveloper runs the developer persona on a story. A non-nil output
// can accompany a non-nil error so partial cost is never lost.
func (r *CLIRunner) ExecuteDeveloper(ctx context.Context, req DeveloperRequest) (*models.DeveloperOutput, error) {
	res, err := r.ExecuteAgent(ctx, Request{
		Role:            RoleDeveloper,
		Prompt:          DeveloperPrompt(req),
		WorkspaceDir:    req.WorkspaceDir,
		TaskID:          req.TaskID,
		StoryID:         req.Story.ID,
		ResumeSessionID: req.ResumeSessionID,
		Timeout:         req.Timeout,
	})
	if res == nil {
		return nil, err
	}

	out := DeriveDeveloperOutput(res.Output, req.Branch, req.Story.ID)
	out.CostUSD = res.CostUSD
	out.Tokens = res.Usage
	out.CompletedAt = time.Now().UTC()
	out.SDKSessionID = res.SDKSessionID
	out.LastMessageUUID = res.LastMessageUUID
	if err != nil {
		out.Success = false
	}
	return out, err
}

// firstNonEmptyLine returns the first non-blank line across the inputs,
// for compact error messages.
func firstNonEmptyLine(candidates ...string) string {
	for _, c := range candidates {
		for _, line := range strings.Split(c, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				return line
			}
		}
	}
	return "(no output)"
}
