package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerOptions configures a ContainerRunner.
type ContainerOptions struct {
	// Image is the runner image; it must contain whatever interpreter the
	// strategy/test files need (e.g. a Python image with the backtest
	// harness preinstalled).
	Image string

	// Command is run inside the container with the bundle mounted at
	// /sandbox and OutputDir mounted at /sandbox/output.
	Command []string

	// MemoryBytes and NanoCPUs cap the container's resources. Zero means
	// use the runner's built-in defaults (1 GiB / 0.5 core, per contract).
	MemoryBytes int64
	NanoCPUs    int64

	// User runs the command as a non-privileged user (uid:gid), e.g. "1000:1000".
	User string
}

func (o ContainerOptions) withDefaults() ContainerOptions {
	if o.MemoryBytes == 0 {
		o.MemoryBytes = 1 << 30 // 1 GiB
	}
	if o.NanoCPUs == 0 {
		o.NanoCPUs = 500_000_000 // 0.5 core
	}
	if o.User == "" {
		o.User = "1000:1000"
	}
	return o
}

// ContainerRunner executes bundles in ephemeral, network-disabled Docker
// containers via testcontainers-go.
type ContainerRunner struct {
	opts ContainerOptions
}

// NewContainerRunner constructs a ContainerRunner with the given options.
func NewContainerRunner(opts ContainerOptions) *ContainerRunner {
	return &ContainerRunner{opts: opts.withDefaults()}
}

// Run implements Runner.
func (r *ContainerRunner) Run(ctx context.Context, bundle Bundle) (RawResult, error) {
	if bundle.OutputDir == "" {
		return RawResult{}, fmt.Errorf("sandbox: OutputDir is required")
	}
	if err := os.MkdirAll(bundle.OutputDir, 0o755); err != nil {
		return RawResult{}, fmt.Errorf("sandbox: create output dir: %w", err)
	}

	timeout := bundle.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:      r.opts.Image,
		Cmd:        r.opts.Command,
		WaitingFor: wait.ForExit().WithExitTimeout(timeout),
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.NetworkMode = "none"
			hc.Resources.Memory = r.opts.MemoryBytes
			hc.Resources.NanoCPUs = r.opts.NanoCPUs
			hc.ReadonlyRootfs = false
		},
		User: r.opts.User,
	}

	c, err := testcontainers.GenericContainer(runCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          false,
	})
	if err != nil {
		return RawResult{}, fmt.Errorf("sandbox: create container: %w", err)
	}
	defer func() { _ = c.Terminate(context.Background()) }()

	if err := copyBundleFiles(runCtx, c, bundle); err != nil {
		return RawResult{}, fmt.Errorf("sandbox: stage bundle: %w", err)
	}

	start := time.Now()
	timedOut := false
	if err := c.Start(runCtx); err != nil {
		if runCtx.Err() != nil {
			timedOut = true
		} else {
			return RawResult{}, fmt.Errorf("sandbox: start container: %w", err)
		}
	}

	state, err := c.State(context.Background())
	exitCode := 0
	if err == nil && state != nil {
		exitCode = state.ExitCode
	}
	if runCtx.Err() != nil {
		timedOut = true
	}

	var stdout, stderr string
	if rc, logErr := c.Logs(context.Background()); logErr == nil {
		defer rc.Close()
		b, _ := io.ReadAll(io.LimitReader(rc, 64*1024))
		stdout = string(b)
	}

	if err := copyOutputDir(context.Background(), c, bundle.OutputDir); err != nil {
		stderr = strings.TrimSpace(stderr + "\n" + err.Error())
	}

	return RawResult{
		ExitCode:  exitCode,
		Duration:  time.Since(start),
		TimedOut:  timedOut,
		Stdout:    stdout,
		Stderr:    stderr,
		OutputDir: bundle.OutputDir,
	}, nil
}

// copyBundleFiles stages the strategy file, test files, and fixtures into
// /sandbox inside the container before it starts.
func copyBundleFiles(ctx context.Context, c testcontainers.Container, bundle Bundle) error {
	all := append([]string{bundle.StrategyFile}, bundle.TestFiles...)
	all = append(all, bundle.Fixtures...)
	for _, path := range all {
		if path == "" {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		dest := "/sandbox/" + filepath.Base(path)
		if err := c.CopyToContainer(ctx, content, dest, 0o644); err != nil {
			return fmt.Errorf("copy %s to %s: %w", path, dest, err)
		}
	}
	return nil
}

// copyOutputDir pulls /sandbox/output back out of the container into
// outputDir on the host so the gateway can read the structured report.
func copyOutputDir(ctx context.Context, c testcontainers.Container, outputDir string) error {
	rc, err := c.CopyFileFromContainer(ctx, "/sandbox/output/"+ReportFilename)
	if err != nil {
		// Absence of the report is a legitimate outcome (missing-report);
		// the gateway distinguishes this from a hard infra failure.
		return nil
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, ReportFilename), data, 0o644)
}
