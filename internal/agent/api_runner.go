package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/forgeline/gaffer/pkg/models"
)

// apiSystemPrompt is the system message for every API loop invocation.
// Role specifics live in the prompt builders, which both backends share.
const apiSystemPrompt = "You are an autonomous agent inside a story pipeline. " +
	"Follow the instructions in the user message exactly, including the required output markers " +
	"and the final JSON block. Work only inside the given workspace."

// APIOptions configures an APIRunner.
type APIOptions struct {
	// Client is the Anthropic client, required.
	Client *Client
	// MaxIterations caps tool round-trips per invocation, default 50.
	MaxIterations int
	// DeveloperTimeout, JudgeTimeout and ResolverTimeout cap invocations
	// per role. Zero values get production defaults.
	DeveloperTimeout time.Duration
	JudgeTimeout     time.Duration
	ResolverTimeout  time.Duration
	// OnProgress, when set, receives tool action lines as the agent works.
	OnProgress func(taskID, storyID, action string)
}

// APIRunner executes agents through the Anthropic API with a local tool
// loop. It has no session persistence, so resume requests start fresh with
// the same prompt.
type APIRunner struct {
	client        *Client
	maxIterations int
	timeouts      map[Role]time.Duration
	onProgress    func(taskID, storyID, action string)
}

// NewAPIRunner creates a runner with the given options.
func NewAPIRunner(opts APIOptions) (*APIRunner, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("api runner requires a client")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 50
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
	return &APIRunner{
		client:        opts.Client,
		maxIterations: opts.MaxIterations,
		timeouts: map[Role]time.Duration{
			RoleDeveloper:        opts.DeveloperTimeout,
			RoleJudge:            opts.JudgeTimeout,
			RoleConflictResolver: opts.ResolverTimeout,
		},
		onProgress: opts.OnProgress,
	}, nil
}

var _ Runner = (*APIRunner)(nil)

func (r *APIRunner) timeoutFor(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if d, ok := r.timeouts[req.Role]; ok {
		return d
	}
	return 30 * time.Minute
}

// ExecuteAgent runs the tool loop until the model ends its turn. On error
// the partial Result carries the usage accumulated so far.
func (r *APIRunner) ExecuteAgent(ctx context.Context, req Request) (*Result, error) {
	timeout := r.timeoutFor(req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if req.ResumeSessionID != "" {
		log.Printf("[agent] api runner cannot resume sessions; restarting %s for story %s", req.Role, req.StoryID)
	}

	model := r.client.Model()
	if req.Model != "" {
		model = r.client.TranslateModel(anthropic.Model(req.Model))
	}

	box := &toolbox{dir: req.WorkspaceDir}
	tools := workspaceTools()
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
	}

	res := &Result{}
	started := time.Now()

	for res.NumTurns < r.maxIterations {
		res.NumTurns++

		resp, err := r.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
			Model:     model,
			MaxTokens: 8192,
			System: []anthropic.TextBlockParam{
				{Text: apiSystemPrompt},
			},
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			res.CostUSD = estimateCost(res.Usage.Input, res.Usage.Output)
			res.DurationMS = time.Since(started).Milliseconds()
			if ctx.Err() == context.DeadlineExceeded {
				return res, fmt.Errorf("%s agent timed out after %s: %w", req.Role, timeout, context.DeadlineExceeded)
			}
			return res, fmt.Errorf("%s agent API call: %w", req.Role, err)
		}

		res.Usage.Input += resp.Usage.InputTokens
		res.Usage.Output += resp.Usage.OutputTokens
		r.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var textOutput string

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				textOutput += variant.Text
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				if r.onProgress != nil {
					r.onProgress(req.TaskID, req.StoryID, apiToolAction(variant.Name, variant.Input))
				}
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				out := box.Execute(ctx, variant.Name, variant.Input)
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, out.Content, out.IsError))
			}
		}

		// End of turn without tool use is the agent's final answer.
		if resp.StopReason == anthropic.StopReasonEndTurn {
			res.Output = textOutput
			res.CostUSD = estimateCost(res.Usage.Input, res.Usage.Output)
			res.DurationMS = time.Since(started).Milliseconds()
			return res, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResultBlocks) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
		}
	}

	res.CostUSD = estimateCost(res.Usage.Input, res.Usage.Output)
	res.DurationMS = time.Since(started).Milliseconds()
	return res, fmt.Errorf("%s agent hit max iterations (%d)", req.Role, r.maxIterations)
}

// ExecuteDeveloper runs the developer persona on a story.
func (r *APIRunner) ExecuteDeveloper(ctx context.Context, req DeveloperRequest) (*models.DeveloperOutput, error) {
	res, err := r.ExecuteAgent(ctx, Request{
		Role:         RoleDeveloper,
		Prompt:       DeveloperPrompt(req),
		WorkspaceDir: req.WorkspaceDir,
		TaskID:       req.TaskID,
		StoryID:      req.Story.ID,
		Timeout:      req.Timeout,
	})
	if res == nil {
		return nil, err
	}

	out := DeriveDeveloperOutput(res.Output, req.Branch, req.Story.ID)
	out.CostUSD = res.CostUSD
	out.Tokens = res.Usage
	out.CompletedAt = time.Now().UTC()
	if err != nil {
		out.Success = false
	}
	return out, err
}

// apiToolAction renders a tool call as a short progress line, reusing the
// stream event formatter.
func apiToolAction(name string, input json.RawMessage) string {
	var decoded map[string]interface{}
	_ = json.Unmarshal(input, &decoded)
	return formatToolAction(map[string]interface{}{
		"name":  name,
		"input": decoded,
	})
}
