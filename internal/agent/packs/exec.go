package packs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// maxOutputBytes caps the stdout an Exec call will retain (§4.9).
const maxOutputBytes = 1 << 20

// Exec runs name with args under timeout and returns its captured stdout,
// capped at 1 MiB. It never goes through a shell: args are passed as argv,
// never interpolated into a command string (§4.9).
func Exec(ctx context.Context, name string, args []string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &capWriter{buf: &stdout, limit: maxOutputBytes}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command %s timed out after %s", name, timeout)
		}
		return nil, fmt.Errorf("command %s failed: %w: %s", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// capWriter drops bytes past limit rather than erroring, so a command that
// produces more output than the cap still exits cleanly.
type capWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (c *capWriter) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
	} else {
		c.buf.Write(p)
	}
	return len(p), nil
}
