package sandbox

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	execpkg "github.com/forgeline/gaffer/internal/exec"
)

// DefaultImage is the container image used when none is configured.
const DefaultImage = "debian:bookworm-slim"

// DockerOptions configure the docker-backed gateway.
type DockerOptions struct {
	// BridgeMode selects docker's bridge network instead of host networking.
	BridgeMode bool
	// Image is the container image for new sandboxes.
	Image string
	// DefaultTimeout bounds Exec when the call passes none.
	DefaultTimeout time.Duration
}

// DockerGateway runs sandbox commands through docker exec. Containers are
// one per task and may be created here or adopted when provisioned
// externally under the expected name.
type DockerGateway struct {
	runner execpkg.CommandRunner
	opts   DockerOptions

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
}

// NewDockerGateway creates a docker-backed sandbox gateway.
func NewDockerGateway(runner execpkg.CommandRunner, opts DockerOptions) *DockerGateway {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultExecTimeout
	}
	return &DockerGateway{
		runner:    runner,
		opts:      opts,
		sandboxes: make(map[string]*Sandbox),
	}
}

// containerName derives the container name for a task, keeping only
// characters docker accepts.
func containerName(taskID string) string {
	var b strings.Builder
	b.WriteString("gaffer-task-")
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Create starts the task's container with workDir mounted at /workspace.
func (g *DockerGateway) Create(ctx context.Context, taskID, workDir string) (*Sandbox, error) {
	name := containerName(taskID)

	network := "host"
	if g.opts.BridgeMode {
		network = "bridge"
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--network", network,
		"-v", workDir + ":/workspace",
		"-w", "/workspace",
		g.opts.Image,
		"sleep", "infinity",
	}
	if out, err := g.runner.Run(ctx, "", "docker", args...); err != nil {
		return nil, fmt.Errorf("create sandbox for %s: %w: %s", taskID, err, strings.TrimSpace(string(out)))
	}

	sb := &Sandbox{
		TaskID:    taskID,
		ID:        name,
		Backend:   "docker",
		WorkDir:   "/workspace",
		HostDir:   workDir,
		CreatedAt: time.Now().UTC(),
	}
	g.mu.Lock()
	g.sandboxes[taskID] = sb
	g.mu.Unlock()

	log.Printf("[sandbox] created container %s (network=%s image=%s)", name, network, g.opts.Image)
	return sb, nil
}

// GetSandbox returns the task's descriptor. A container provisioned outside
// this process is adopted if it is running under the expected name.
func (g *DockerGateway) GetSandbox(taskID string) *Sandbox {
	g.mu.RLock()
	sb := g.sandboxes[taskID]
	g.mu.RUnlock()
	if sb != nil {
		return sb
	}

	name := containerName(taskID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := g.runner.Run(ctx, "", "docker", "inspect", "--format", "{{.State.Running}}", name)
	if err != nil || strings.TrimSpace(string(out)) != "true" {
		return nil
	}

	sb = &Sandbox{
		TaskID:    taskID,
		ID:        name,
		Backend:   "docker",
		WorkDir:   "/workspace",
		CreatedAt: time.Now().UTC(),
	}
	g.mu.Lock()
	g.sandboxes[taskID] = sb
	g.mu.Unlock()
	log.Printf("[sandbox] adopted running container %s", name)
	return sb
}

// Exec runs a shell command inside the task's container.
func (g *DockerGateway) Exec(ctx context.Context, taskID, command string, opts ExecOptions) (*ExecResult, error) {
	sb := g.GetSandbox(taskID)
	if sb == nil {
		return nil, fmt.Errorf("no sandbox for task %s", taskID)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := opts.Cwd
	if cwd == "" {
		cwd = sb.WorkDir
	} else {
		cwd = sb.containerPath(cwd)
	}

	args := []string{"exec", "-w", cwd}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, sb.ID, "sh", "-c", command)

	stdout, stderr, err := g.runner.RunSplit(ctx, "", "docker", args...)
	result := &ExecResult{Stdout: string(stdout), Stderr: string(stderr)}
	if err != nil {
		if code, ok := exitStatus(err); ok {
			result.ExitCode = code
			return result, nil
		}
		return result, fmt.Errorf("exec in sandbox %s: %w", sb.ID, err)
	}
	return result, nil
}

// Destroy removes the task's container.
func (g *DockerGateway) Destroy(ctx context.Context, taskID string) error {
	name := containerName(taskID)
	if out, err := g.runner.Run(ctx, "", "docker", "rm", "-f", name); err != nil {
		return fmt.Errorf("destroy sandbox %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	g.mu.Lock()
	delete(g.sandboxes, taskID)
	g.mu.Unlock()
	return nil
}

// exitStatus unwraps a command's exit code. The second return is false for
// failures that never produced one (binary missing, context deadline).
func exitStatus(err error) (int, bool) {
	for err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}

// Verify DockerGateway implements Gateway at compile time.
var _ Gateway = (*DockerGateway)(nil)
