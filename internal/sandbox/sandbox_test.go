package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeRunner records commands and replays scripted responses.
type fakeRunner struct {
	calls   [][]string
	output  []byte
	stdout  []byte
	stderr  []byte
	err     error
	workDir string
}

func (f *fakeRunner) Run(_ context.Context, workDir, name string, args ...string) ([]byte, error) {
	f.workDir = workDir
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.output, f.err
}

func (f *fakeRunner) RunSplit(_ context.Context, workDir, name string, args ...string) ([]byte, []byte, error) {
	f.workDir = workDir
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.stdout, f.stderr, f.err
}

func (f *fakeRunner) RunShell(ctx context.Context, workDir, command string) ([]byte, error) {
	return f.Run(ctx, workDir, "sh", "-c", command)
}

func (f *fakeRunner) Exists(_ context.Context, _, _ string) bool { return true }

func (f *fakeRunner) lastCall() []string {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		taskID string
		want   string
	}{
		{"task-42", "gaffer-task-task-42"},
		{"abc123", "gaffer-task-abc123"},
		{"has spaces!", "gaffer-task-has-spaces-"},
		{"slash/id", "gaffer-task-slash-id"},
	}

	for _, tt := range tests {
		if got := containerName(tt.taskID); got != tt.want {
			t.Errorf("containerName(%q) = %q, want %q", tt.taskID, got, tt.want)
		}
	}
}

func TestDockerCreate_NetworkSelection(t *testing.T) {
	tests := []struct {
		name        string
		bridgeMode  bool
		wantNetwork string
	}{
		{"host networking by default", false, "host"},
		{"bridge when configured", true, "bridge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			g := NewDockerGateway(runner, DockerOptions{BridgeMode: tt.bridgeMode})

			sb, err := g.Create(context.Background(), "task-1", "/tmp/ws")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if sb.Backend != "docker" || sb.WorkDir != "/workspace" {
				t.Errorf("sandbox = %+v", sb)
			}

			call := strings.Join(runner.lastCall(), " ")
			if !strings.Contains(call, "--network "+tt.wantNetwork) {
				t.Errorf("docker run args = %q, want network %s", call, tt.wantNetwork)
			}
			if !strings.Contains(call, "-v /tmp/ws:/workspace") {
				t.Errorf("docker run args = %q, missing volume mount", call)
			}
		})
	}
}

func TestDockerExec_BuildsExecCommand(t *testing.T) {
	runner := &fakeRunner{stdout: []byte("ok\n")}
	g := NewDockerGateway(runner, DockerOptions{})

	if _, err := g.Create(context.Background(), "task-1", "/tmp/ws"); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := g.Exec(context.Background(), "task-1", "npm install", ExecOptions{Cwd: "/workspace/api"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !result.OK() {
		t.Errorf("result = %+v, want exit 0", result)
	}
	if result.Stdout != "ok\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}

	call := strings.Join(runner.lastCall(), " ")
	if !strings.Contains(call, "docker exec -w /workspace/api gaffer-task-task-1 sh -c npm install") {
		t.Errorf("exec call = %q", call)
	}
}

func TestDockerExec_RebasesHostPaths(t *testing.T) {
	const hostWorkspace = "/srv/workspaces/task-1"

	tests := []struct {
		name    string
		cwd     string
		wantCwd string
	}{
		{"repo checkout under the mount", filepath.Join(hostWorkspace, "api"), "/workspace/api"},
		{"workspace root itself", hostWorkspace, "/workspace"},
		{"nested directory", filepath.Join(hostWorkspace, "api", "lib"), "/workspace/api/lib"},
		{"already container-side", "/workspace/api", "/workspace/api"},
		{"outside the mount", "/etc", "/etc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			g := NewDockerGateway(runner, DockerOptions{})
			if _, err := g.Create(context.Background(), "task-1", hostWorkspace); err != nil {
				t.Fatalf("create: %v", err)
			}

			if _, err := g.Exec(context.Background(), "task-1", "npm run build", ExecOptions{Cwd: tt.cwd}); err != nil {
				t.Fatalf("exec: %v", err)
			}

			call := strings.Join(runner.lastCall(), " ")
			if !strings.Contains(call, "-w "+tt.wantCwd+" ") {
				t.Errorf("exec call = %q, want -w %s", call, tt.wantCwd)
			}
		})
	}
}

func TestDockerExec_NoSandbox(t *testing.T) {
	runner := &fakeRunner{err: errors.New("no such container")}
	g := NewDockerGateway(runner, DockerOptions{})

	if _, err := g.Exec(context.Background(), "ghost", "true", ExecOptions{}); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestDockerGetSandbox_AdoptsRunningContainer(t *testing.T) {
	runner := &fakeRunner{output: []byte("true\n")}
	g := NewDockerGateway(runner, DockerOptions{})

	sb := g.GetSandbox("task-ext")
	if sb == nil {
		t.Fatal("expected adopted sandbox")
	}
	if sb.ID != "gaffer-task-task-ext" {
		t.Errorf("sandbox id = %s", sb.ID)
	}

	call := strings.Join(runner.lastCall(), " ")
	if !strings.Contains(call, "docker inspect") {
		t.Errorf("expected docker inspect, got %q", call)
	}
}

func TestDockerGetSandbox_IgnoresStoppedContainer(t *testing.T) {
	runner := &fakeRunner{output: []byte("false\n")}
	g := NewDockerGateway(runner, DockerOptions{})

	if sb := g.GetSandbox("task-stopped"); sb != nil {
		t.Errorf("expected nil, got %+v", sb)
	}
}

func TestDockerDestroy(t *testing.T) {
	runner := &fakeRunner{}
	g := NewDockerGateway(runner, DockerOptions{})

	if _, err := g.Create(context.Background(), "task-1", "/tmp/ws"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g.Destroy(context.Background(), "task-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	call := strings.Join(runner.lastCall(), " ")
	if !strings.Contains(call, "docker rm -f gaffer-task-task-1") {
		t.Errorf("destroy call = %q", call)
	}

	// Descriptor is gone; inspect says not running.
	runner.output = []byte("false")
	if sb := g.GetSandbox("task-1"); sb != nil {
		t.Errorf("sandbox survived destroy: %+v", sb)
	}
}

func TestHostGateway_Exec(t *testing.T) {
	runner := &fakeRunner{stdout: []byte("built"), stderr: []byte("warning: deprecated")}
	g := NewHostGateway(runner, time.Minute)

	if _, err := g.Create(context.Background(), "task-1", "/tmp/ws/task-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := g.Exec(context.Background(), "task-1", "make build", ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.Stdout != "built" || result.Stderr != "warning: deprecated" {
		t.Errorf("result = %+v", result)
	}
	if runner.workDir != "/tmp/ws/task-1" {
		t.Errorf("workDir = %q, want the sandbox workspace", runner.workDir)
	}
}

func TestHostGateway_ExecWithoutCreate(t *testing.T) {
	g := NewHostGateway(&fakeRunner{}, time.Minute)
	if _, err := g.Exec(context.Background(), "ghost", "true", ExecOptions{}); err == nil {
		t.Fatal("expected error before Create")
	}
}

func TestHostGateway_Destroy(t *testing.T) {
	g := NewHostGateway(&fakeRunner{}, time.Minute)

	if _, err := g.Create(context.Background(), "task-1", "/tmp/ws"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g.Destroy(context.Background(), "task-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if sb := g.GetSandbox("task-1"); sb != nil {
		t.Errorf("sandbox survived destroy: %+v", sb)
	}
}

func TestExecResult_OK(t *testing.T) {
	tests := []struct {
		name   string
		result *ExecResult
		want   bool
	}{
		{"nil", nil, false},
		{"zero exit", &ExecResult{ExitCode: 0}, true},
		{"non-zero exit", &ExecResult{ExitCode: 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.OK(); got != tt.want {
				t.Errorf("OK() = %v, want %v", got, tt.want)
			}
		})
	}
}
