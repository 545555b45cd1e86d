package subaru

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// needsRootPrivileges checks if any of the requested operations require root
func needsRootPrivileges(args []string) bool {
	if len(args) < 1 {
		return false
	}

	rootCommands := map[string]bool{
		"build":   true,
		"b":       true,
		"resume":  true,
		"cleanup": true,
	}

	return rootCommands[args[0]]
}

// authenticateOnce performs a single authentication check at program start.
// It starts a keep-alive goroutine that refreshes the sudo ticket so long
// phases (rootfs extraction, package installation) never stall waiting for
// re-authentication. The goroutine stops when ctx is cancelled.
func authenticateOnce(ctx context.Context) error {
	if os.Geteuid() == 0 {
		return nil // Already root
	}

	cmd := exec.Command("sudo", "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}

	go func() {
		ticker := time.NewTicker(4 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				exec.Command("sudo", "-nv").Run()
			}
		}
	}()

	arrow("Authenticated via sudo")
	return nil
}
