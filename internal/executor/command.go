package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

const waitDelay = time.Second

// Command runs Argv once per task. The task is described to the process
// through TASK_ID, TASK_TYPE, TASK_PRIORITY, TASK_RETRY_COUNT and TASK_USER_ID.
type Command struct {
	Argv      []string
	MaxOutput int
	Log       logx.Logger
}

func (c *Command) Run(ctx context.Context, d task.Descriptor) error {
	if len(c.Argv) == 0 {
		return ErrInvalidArgv
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(os.Environ(),
		"TASK_ID="+d.ID,
		"TASK_TYPE="+string(d.Type),
		"TASK_PRIORITY="+d.Priority.String(),
		"TASK_RETRY_COUNT="+strconv.Itoa(d.RetryCount),
		"TASK_USER_ID="+d.UserID,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children that inherit the output pipe must not hold Run open past cancellation.
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	c.Log.Debug("command finished",
		logx.String("task", d.ID),
		logx.String("cmd", c.Argv[0]),
		logx.Duration("took", took),
		logx.Int("output_bytes", out.Len()),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", c.Argv[0], ctx.Err())
	}
	if tail := c.tail(out.Bytes()); tail != "" {
		return fmt.Errorf("%s: %w: %s", c.Argv[0], err, tail)
	}
	return fmt.Errorf("%s: %w", c.Argv[0], err)
}

func (c *Command) tail(b []byte) string {
	n := c.MaxOutput
	if n <= 0 {
		n = 4 << 10
	}
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
