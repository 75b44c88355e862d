package browser

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/chatrelay/chatworker/internal/tracing"
)

var execNames = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
}

var lookPath = exec.LookPath

// FindExecPath returns the first Chrome or Chromium binary on PATH, or "".
func FindExecPath() string {
	for _, name := range execNames {
		if path, err := lookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// Version runs the browser binary with --version. An empty execPath falls
// back to FindExecPath.
func Version(ctx context.Context, execPath string) (string, error) {
	execPath = strings.TrimSpace(execPath)
	if execPath == "" {
		execPath = FindExecPath()
	}
	if execPath == "" {
		return "", errors.New("no chrome or chromium binary found on PATH")
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	result, err := tracing.Run(ctx, execPath, []string{"--version"}, "")
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}
