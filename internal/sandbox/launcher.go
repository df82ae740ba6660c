package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Launcher spawns worker processes. Launch blocks for the duration of
// process (or container) start and the ping handshake.
type Launcher interface {
	Launch() (Handle, error)
}

// LaunchConfig holds the environment injected into every worker.
type LaunchConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	RecursiveModel string
	// Image is the container image for the docker launcher.
	Image string
}

func (c LaunchConfig) workerEnv() []string {
	env := []string{"OPENAI_API_KEY=" + c.APIKey}
	if c.BaseURL != "" {
		env = append(env, "RLM_BASE_URL="+c.BaseURL)
	}
	if c.Model != "" {
		env = append(env, "RLM_MODEL="+c.Model)
	}
	if c.RecursiveModel != "" {
		env = append(env, "RLM_RECURSIVE_MODEL="+c.RecursiveModel)
	}
	return env
}

// DockerLauncher runs each worker inside a gVisor-backed container with the
// worker binary bind-mounted read-only.
type DockerLauncher struct {
	config LaunchConfig
}

// NewDockerLauncher creates a docker/runsc launcher.
func NewDockerLauncher(config LaunchConfig) *DockerLauncher {
	if config.Image == "" {
		config.Image = "debian:stable-slim"
	}
	return &DockerLauncher{config: config}
}

// Launch starts a container and completes the ping handshake.
func (l *DockerLauncher) Launch() (Handle, error) {
	workerBin, err := resolveWorkerBin()
	if err != nil {
		return nil, err
	}

	args := []string{
		"run", "--rm", "-i",
		"--runtime=runsc",
		"-v", workerBin + ":/sandbox_worker:ro",
	}
	for _, e := range l.config.workerEnv() {
		args = append(args, "-e", e)
	}
	args = append(args, l.config.Image, "/sandbox_worker")

	cmd := exec.Command("docker", args...)
	cmd.Stderr = os.Stderr
	client, err := NewClient(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawning sandbox container: %w", err)
	}
	if err := client.Ping(); err != nil {
		client.Terminate()
		return nil, fmt.Errorf("sandbox handshake failed: %w", err)
	}
	return client, nil
}

// ProcessLauncher runs workers as direct child processes. Used for local
// development and tests, where container isolation is unnecessary.
type ProcessLauncher struct {
	config LaunchConfig
	// Path overrides the worker binary location; defaults to a sibling of
	// the current executable.
	Path string
}

// NewProcessLauncher creates a direct-process launcher.
func NewProcessLauncher(config LaunchConfig) *ProcessLauncher {
	return &ProcessLauncher{config: config}
}

// Launch starts the worker process and completes the ping handshake.
func (l *ProcessLauncher) Launch() (Handle, error) {
	path := l.Path
	if path == "" {
		resolved, err := resolveWorkerBin()
		if err != nil {
			return nil, err
		}
		path = resolved
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), l.config.workerEnv()...)
	cmd.Stderr = os.Stderr
	client, err := NewClient(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawning sandbox worker: %w", err)
	}
	if err := client.Ping(); err != nil {
		client.Terminate()
		return nil, fmt.Errorf("sandbox handshake failed: %w", err)
	}
	return client, nil
}

// resolveWorkerBin locates the worker binary next to the current executable.
func resolveWorkerBin() (string, error) {
	current, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving current executable: %w", err)
	}
	worker := filepath.Join(filepath.Dir(current), "rlm-sandbox-worker")
	if _, err := os.Stat(worker); err != nil {
		return "", fmt.Errorf(
			"sandbox worker binary not found at %s; build it with `go build ./cmd/rlm-sandbox-worker`", worker)
	}
	return worker, nil
}
