package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandAnalyzer runs a local assistant CLI in print mode:
//
//	<path> -p <prompt> --output-format json
//
// and reads the answer from the "result" field of its JSON output.
type CommandAnalyzer struct {
	Path string
	Env  []string // appended to the current environment
}

func (c *CommandAnalyzer) Complete(ctx context.Context, req Request) (string, error) {
	prompt := req.System + "\n\n---\n\n" + req.User

	cmd := exec.CommandContext(ctx, c.Path, "-p", prompt, "--output-format", "json")
	cmd.WaitDelay = 2 * time.Second
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("analysis command failed: %w: %s", err, msg)
	}

	var out struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return "", &FormatError{Reason: "analysis command output is not JSON", Err: err}
	}
	return out.Result, nil
}
