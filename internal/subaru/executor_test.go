package subaru

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestExecutorRunUnprivileged(t *testing.T) {
	e := NewExecutor(context.Background())
	marker := filepath.Join(t.TempDir(), "ran")

	if err := e.Run(exec.Command("touch", marker)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("command did not run: %v", err)
	}
}

func TestExecutorOutputCapturesAndTrims(t *testing.T) {
	e := NewExecutor(context.Background())
	out, err := e.Output(exec.Command("echo", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("output = %q", out)
	}
}

func TestExecutorDryRunSkipsExecution(t *testing.T) {
	e := NewExecutor(context.Background())
	e.DryRun = true
	marker := filepath.Join(t.TempDir(), "ran")

	if err := e.Run(exec.Command("touch", marker)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("dry-run executed the command")
	}

	out, err := e.Output(exec.Command("echo", "hello"))
	if err != nil || out != "" {
		t.Errorf("dry-run Output = %q, %v", out, err)
	}
}

func TestExecutorRunPropagatesFailure(t *testing.T) {
	e := NewExecutor(context.Background())
	if err := e.Run(exec.Command("false")); err == nil {
		t.Error("expected non-zero exit to surface")
	}
}

func TestExecutorCancellationKillsCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(ctx)

	done := make(chan error, 1)
	go func() {
		done <- e.Run(exec.Command("sleep", "30"))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("cancelled command returned nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command survived cancellation")
	}
}
