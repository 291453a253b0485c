package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resultFileName returns the deterministic result-file path a task's
// agent subprocess may write to $ISTOTA_DEFERRED_DIR when it cannot
// emit a final `result` stream event, per spec.md §6.
func resultFileName(taskID int64) string {
	return fmt.Sprintf("task_%d_result.txt", taskID)
}

// resolveResult implements spec.md §4.7's priority rule: a `result`
// stream event beats a result file written by the subprocess, which
// beats stderr, which beats a generic error.
func resolveResult(taskID int64, streamResult string, sawResult bool, workDir, stderr string, runErr, ctxErr error) (string, error) {
	if sawResult {
		return streamResult, nil
	}

	if raw, err := os.ReadFile(filepath.Join(workDir, resultFileName(taskID))); err == nil {
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
	}

	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return "", fmt.Errorf("agent subprocess timed out")
	}

	if stderr = strings.TrimSpace(stderr); stderr != "" {
		return "", fmt.Errorf("agent subprocess error: %s", stderr)
	}

	if runErr != nil {
		return "", fmt.Errorf("agent subprocess failed: %w", runErr)
	}

	return "", fmt.Errorf("agent subprocess produced no result")
}
