// Package media holds the external tool adapters (ffprobe, ffmpeg) and the
// command runner they share with the yt-dlp resolver.
package media

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner runs an external program and returns its stdout and stderr.
// Tests substitute a fake runner to avoid depending on installed binaries.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
