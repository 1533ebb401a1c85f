package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Command runs an external process per attempt. The request is written to
// stdin as JSON and a single JSON Result is read from stdout. The process is
// killed when the attempt is cancelled.
type Command struct {
	path string
	args []string
	env  []string
}

// NewCommand resolves the executable and captures its environment.
func NewCommand(command string, args []string, env map[string]string) (*Command, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("agent: command is required")
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("agent: resolve %s: %w", command, err)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]string, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, k+"="+env[k])
	}
	return &Command{path: path, args: append([]string(nil), args...), env: vars}, nil
}

// ProduceAnswer runs the process once.
func (c *Command) ProduceAnswer(ctx context.Context, req Request) (Result, error) {
	if req.Workspace != nil {
		req.WorkspaceDir = req.Workspace.Dir()
	}
	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("agent: encode request: %w", err)
	}
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Dir = req.WorkspaceDir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Env = append(cmd.Env,
		"CONCORD_AGENT_ID="+req.AgentID,
		"CONCORD_ROUND="+strconv.Itoa(req.Round),
		"CONCORD_ATTEMPT="+strconv.Itoa(req.Attempt),
		"CONCORD_SIDE_EFFECTS="+strconv.FormatBool(req.SideEffects),
	)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Result{}, fmt.Errorf("agent: %s: %w", c.path, runErr)
		}
		return Result{}, fmt.Errorf("agent: %s: %w: %s", c.path, runErr, lastLine(msg))
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return Result{}, fmt.Errorf("%w: empty output", ErrMalformed)
	}
	// Backends may print progress; the result is the last JSON line.
	if idx := bytes.LastIndexByte(out, '\n'); idx >= 0 {
		out = out[idx+1:]
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return res, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
