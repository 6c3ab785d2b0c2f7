package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// StreamEventType is the type of a stream-json event from the claude CLI.
type StreamEventType string

const (
	// StreamEventSystem is an init or status message.
	StreamEventSystem StreamEventType = "system"
	// StreamEventAssistant is an assistant turn.
	StreamEventAssistant StreamEventType = "assistant"
	// StreamEventUser is a tool result turn.
	StreamEventUser StreamEventType = "user"
	// StreamEventResult is the final result of the invocation.
	StreamEventResult StreamEventType = "result"
	// StreamEventError is an error, including stderr lines.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one parsed line of the CLI's stream-json output.
type StreamEvent struct {
	// Type is the event type.
	Type StreamEventType `json:"type"`
	// Subtype refines the type, e.g. "init" or "success".
	Subtype string `json:"subtype,omitempty"`
	// Message is the textual content, when the event carries any.
	Message string `json:"message,omitempty"`
	// Error holds error details when Type is StreamEventError.
	Error string `json:"error,omitempty"`
	// ToolAction is a short description of the tool in use ("Editing log.go").
	ToolAction string `json:"tool_action,omitempty"`
	// SessionID is the CLI session, present on init and result events.
	SessionID string `json:"session_id,omitempty"`
	// UUID identifies the individual message, when present.
	UUID string `json:"uuid,omitempty"`
	// CostUSD, InputTokens, OutputTokens, NumTurns and DurationMS are
	// populated on result events.
	CostUSD      float64 `json:"cost_usd,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	// IsError is set on result events that report failure.
	IsError bool `json:"is_error,omitempty"`
	// Raw is the original JSON line.
	Raw json.RawMessage `json:"-"`
}

// CLIProcess manages one claude CLI subprocess running in print mode with
// stream-json output.
type CLIProcess struct {
	binary string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	ctx       context.Context
	cancel    context.CancelFunc
	outputCh  chan StreamEvent
	stderrBuf []byte
	once      sync.Once
	mu        sync.Mutex
	started   bool
	done      chan struct{}
}

// NewCLIProcess creates a process wrapper. The context bounds the whole
// invocation; cancelling it kills the subprocess. An empty binary means
// "claude" from PATH.
func NewCLIProcess(ctx context.Context, binary string) *CLIProcess {
	if binary == "" {
		binary = "claude"
	}
	ctx, cancel := context.WithCancel(ctx)
	return &CLIProcess{
		binary:   binary,
		ctx:      ctx,
		cancel:   cancel,
		outputCh: make(chan StreamEvent, 100),
		done:     make(chan struct{}),
	}
}

// StartOptions are optional parameters for starting the subprocess.
type StartOptions struct {
	// Model overrides the CLI's default model.
	Model string
	// Resume continues the given session instead of starting fresh.
	Resume string
}

// Start launches the subprocess with the given prompt and working directory.
func (p *CLIProcess) Start(prompt, workDir string) error {
	return p.StartWithOptions(prompt, workDir, nil)
}

// StartWithOptions launches the subprocess with additional options.
func (p *CLIProcess) StartWithOptions(prompt, workDir string, opts *StartOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process already started")
	}

	// Allow the common tools without prompting; the checkout's own agent
	// settings can still deny specific patterns.
	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"--allowedTools", "Read,Write,Edit,Bash,Glob,Grep,WebFetch",
	}
	if opts != nil && opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts != nil && opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	args = append(args, "-p", prompt)

	p.cmd = exec.CommandContext(p.ctx, p.binary, args...)
	if workDir != "" {
		p.cmd.Dir = workDir
	}

	var err error
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.binary, err)
	}
	p.started = true

	go p.readOutput()
	go p.readStderr()

	return nil
}

// readOutput parses JSON lines from stdout into stream events.
func (p *CLIProcess) readOutput() {
	defer close(p.outputCh)
	defer close(p.done)

	scanner := bufio.NewScanner(p.stdout)
	// Single events can carry whole files; grow the line buffer.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := parseStreamEvent(line)
		if err != nil {
			p.outputCh <- StreamEvent{
				Type:  StreamEventError,
				Error: fmt.Sprintf("parse error: %v", err),
				Raw:   append(json.RawMessage(nil), line...),
			}
			continue
		}

		select {
		case p.outputCh <- event:
		case <-p.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && p.ctx.Err() == nil {
		p.outputCh <- StreamEvent{
			Type:  StreamEventError,
			Error: fmt.Sprintf("read error: %v", err),
		}
	}
}

// readStderr accumulates stderr and mirrors it into the event stream so
// startup hangs are visible before Wait returns.
func (p *CLIProcess) readStderr() {
	scanner := bufio.NewScanner(p.stderr)
	buf := make([]byte, 16*1024)
	scanner.Buffer(buf, 256*1024)

	var all []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		p.mu.Lock()
		all = append(all, line...)
		all = append(all, '\n')
		p.stderrBuf = all
		p.mu.Unlock()

		select {
		case p.outputCh <- StreamEvent{
			Type:  StreamEventError,
			Error: fmt.Sprintf("[stderr] %s", string(line)),
		}:
		case <-p.ctx.Done():
			return
		default:
			// Channel full; the buffer still has it.
		}
	}

	if err := scanner.Err(); err != nil && p.ctx.Err() == nil {
		p.mu.Lock()
		p.stderrBuf = append(all, []byte(fmt.Sprintf("[stderr read error: %v]", err))...)
		p.mu.Unlock()
	}
}

// parseStreamEvent parses one JSON line into a StreamEvent.
func parseStreamEvent(data []byte) (StreamEvent, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return StreamEvent{}, fmt.Errorf("unmarshal json: %w", err)
	}

	event := StreamEvent{
		Raw: append(json.RawMessage(nil), data...),
	}

	if t, ok := raw["type"].(string); ok {
		event.Type = StreamEventType(t)
	}
	if st, ok := raw["subtype"].(string); ok {
		event.Subtype = st
	}
	if sid, ok := raw["session_id"].(string); ok {
		event.SessionID = sid
	}
	if id, ok := raw["uuid"].(string); ok {
		event.UUID = id
	}

	switch event.Type {
	case StreamEventSystem, StreamEventAssistant, StreamEventUser:
		if msg, ok := raw["message"].(string); ok {
			event.Message = msg
		} else if content, ok := raw["content"].(string); ok {
			event.Message = content
		} else {
			event.Message = nestedMessageText(raw)
		}
		if event.Type == StreamEventAssistant {
			event.ToolAction = extractToolAction(raw)
		}
	case StreamEventResult:
		if result, ok := raw["result"].(string); ok {
			event.Message = result
		} else if content, ok := raw["content"].(string); ok {
			event.Message = content
		}
		if cost, ok := raw["total_cost_usd"].(float64); ok {
			event.CostUSD = cost
		} else if cost, ok := raw["cost_usd"].(float64); ok {
			event.CostUSD = cost
		}
		if usage, ok := raw["usage"].(map[string]interface{}); ok {
			if v, ok := usage["input_tokens"].(float64); ok {
				event.InputTokens = int64(v)
			}
			if v, ok := usage["output_tokens"].(float64); ok {
				event.OutputTokens = int64(v)
			}
		}
		if v, ok := raw["num_turns"].(float64); ok {
			event.NumTurns = int(v)
		}
		if v, ok := raw["duration_ms"].(float64); ok {
			event.DurationMS = int64(v)
		}
		if v, ok := raw["is_error"].(bool); ok {
			event.IsError = v
		}
	case StreamEventError:
		if errMsg, ok := raw["error"].(string); ok {
			event.Error = errMsg
		} else if msg, ok := raw["message"].(string); ok {
			event.Error = msg
		}
	}

	return event, nil
}

// nestedMessageText concatenates text blocks from an API-shaped message
// object ({"message": {"content": [{"type": "text", "text": ...}]}}).
func nestedMessageText(raw map[string]interface{}) string {
	msg, ok := raw["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	content, ok := msg["content"].([]interface{})
	if !ok {
		return ""
	}
	var b []byte
	for _, item := range content {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType != "text" {
			continue
		}
		if text, ok := block["text"].(string); ok {
			b = append(b, text...)
		}
	}
	return string(b)
}

// extractToolAction pulls a human-readable tool action out of an assistant
// event, empty when the event carries no tool use.
func extractToolAction(raw map[string]interface{}) string {
	if msg, ok := raw["message"].(map[string]interface{}); ok {
		if content, ok := msg["content"].([]interface{}); ok {
			for _, item := range content {
				if block, ok := item.(map[string]interface{}); ok {
					if blockType, _ := block["type"].(string); blockType == "tool_use" {
						return formatToolAction(block)
					}
				}
			}
		}
	}
	if content, ok := raw["content"].([]interface{}); ok {
		for _, item := range content {
			if block, ok := item.(map[string]interface{}); ok {
				if blockType, _ := block["type"].(string); blockType == "tool_use" {
					return formatToolAction(block)
				}
			}
		}
	}
	if toolUse, ok := raw["tool_use"].(map[string]interface{}); ok {
		return formatToolAction(toolUse)
	}
	return ""
}

// formatToolAction renders a tool_use block as a short progress line.
func formatToolAction(block map[string]interface{}) string {
	name, _ := block["name"].(string)
	if name == "" {
		return ""
	}
	input, _ := block["input"].(map[string]interface{})

	switch name {
	case "Read":
		if path, ok := input["file_path"].(string); ok {
			return "Reading " + truncateFilename(path)
		}
		return "Reading file"
	case "Edit":
		if path, ok := input["file_path"].(string); ok {
			return "Editing " + truncateFilename(path)
		}
		return "Editing file"
	case "Write":
		if path, ok := input["file_path"].(string); ok {
			return "Writing " + truncateFilename(path)
		}
		return "Writing file"
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return "Running " + truncateCommand(cmd)
		}
		return "Running command"
	case "Glob":
		if pattern, ok := input["pattern"].(string); ok {
			return "Searching " + pattern
		}
		return "Searching files"
	case "Grep":
		if pattern, ok := input["pattern"].(string); ok {
			return "Grep " + truncatePattern(pattern)
		}
		return "Searching code"
	case "WebFetch":
		return "Fetching URL"
	case "Task":
		return "Running subagent"
	default:
		return name
	}
}

func truncateFilename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			path = path[i+1:]
			break
		}
	}
	if len(path) > 20 {
		return path[:17] + "..."
	}
	return path
}

func truncateCommand(cmd string) string {
	for i, c := range cmd {
		if c == ' ' || c == '\n' {
			cmd = cmd[:i]
			break
		}
	}
	if len(cmd) > 20 {
		return cmd[:17] + "..."
	}
	return cmd
}

func truncatePattern(pattern string) string {
	if len(pattern) > 15 {
		return pattern[:12] + "..."
	}
	return pattern
}

// Output returns the stream event channel. It is closed when the process
// exits or is killed.
func (p *CLIProcess) Output() <-chan StreamEvent {
	return p.outputCh
}

// Wait blocks until the process exits and returns any error, with stderr
// attached for diagnosis.
func (p *CLIProcess) Wait() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("process not started")
	}
	p.mu.Unlock()

	<-p.done

	err := p.cmd.Wait()
	if err != nil {
		p.mu.Lock()
		stderr := string(p.stderrBuf)
		p.mu.Unlock()

		errMsg := fmt.Sprintf("process exited with error: %v", err)
		if p.ctx.Err() != nil {
			errMsg += fmt.Sprintf(" (context: %v)", p.ctx.Err())
		}
		if stderr != "" {
			errMsg += fmt.Sprintf("; stderr: %s", stderr)
		}
		return fmt.Errorf("%s", errMsg)
	}
	return nil
}

// Kill terminates the process immediately.
func (p *CLIProcess) Kill() error {
	p.once.Do(func() {
		p.cancel()
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Stderr returns the captured stderr output.
func (p *CLIProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stderrBuf)
}

// PID returns the subprocess id, 0 if not started.
func (p *CLIProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}
