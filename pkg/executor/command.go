package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ExitTempFail is the exit code (EX_TEMPFAIL) a command uses to ask for a
// retry. Any other non-zero exit is terminal.
const ExitTempFail = 75

const defaultMaxOutput = 1 << 20

// Command runs a subprocess per task. The payload is written to stdin and
// stdout becomes the result data. The process sees:
//
//	CLOCKQ_TASK_TYPE, CLOCKQ_PARTITION, CLOCKQ_RECORD_ID,
//	CLOCKQ_CORRELATION_ID, CLOCKQ_DELIVERY_COUNT, CLOCKQ_DEADLINE,
//	CLOCKQ_CHECKPOINT_FILE
//
// CLOCKQ_CHECKPOINT_FILE names a file pre-filled with the previous
// attempt's checkpoint; whatever the process leaves in it is returned as
// the new checkpoint.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
	// Grace is how long the process gets after an interrupt before it is
	// killed.
	Grace time.Duration
	// MaxOutput caps captured stdout and stderr; 0 means 1 MiB.
	MaxOutput int
}

func (c *Command) Execute(ctx context.Context, task Task) Result {
	if len(c.Argv) == 0 {
		return Terminal(errors.New("command executor: empty argv"))
	}

	cpFile, err := os.CreateTemp("", "clockq-checkpoint-*")
	if err != nil {
		return Retryable(fmt.Errorf("create checkpoint file: %w", err))
	}
	cpPath := cpFile.Name()
	defer os.Remove(cpPath)
	var prior []byte
	if task.Checkpoint != nil {
		prior = task.Checkpoint.State
	}
	if _, err := cpFile.Write(prior); err != nil {
		cpFile.Close()
		return Retryable(fmt.Errorf("write checkpoint file: %w", err))
	}
	cpFile.Close()

	limit := c.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(task.Payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"CLOCKQ_TASK_TYPE="+task.TaskType,
		"CLOCKQ_PARTITION="+task.Partition,
		"CLOCKQ_RECORD_ID="+task.RecordID.String(),
		"CLOCKQ_CORRELATION_ID="+task.CorrelationID,
		"CLOCKQ_DELIVERY_COUNT="+strconv.Itoa(task.DeliveryCount),
		"CLOCKQ_CHECKPOINT_FILE="+cpPath,
	)
	if !task.Deadline.IsZero() {
		cmd.Env = append(cmd.Env, "CLOCKQ_DEADLINE="+task.Deadline.UTC().Format(time.RFC3339))
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = c.Grace

	runErr := cmd.Run()

	var checkpoint []byte
	if state, err := os.ReadFile(cpPath); err == nil && len(state) > 0 && !bytes.Equal(state, prior) {
		checkpoint = state
	}

	if runErr == nil {
		return Result{Status: StatusSuccess, Data: stdout.Bytes()}
	}

	res := Result{Data: stdout.Bytes(), Checkpoint: checkpoint}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.Status = StatusRetryable
		res.Err = fmt.Errorf("%s interrupted: %w", c.Argv[0], ctx.Err())
	case errors.As(runErr, &exitErr) && exitErr.ExitCode() == ExitTempFail:
		res.Status = StatusRetryable
		res.Err = fmt.Errorf("%s asked for retry: %s", c.Argv[0], tail(stderr.String()))
	case errors.As(runErr, &exitErr) && exitErr.ExitCode() == -1:
		res.Status = StatusRetryable
		res.Err = fmt.Errorf("%s killed by signal: %w", c.Argv[0], runErr)
	case errors.As(runErr, &exitErr):
		res.Status = StatusTerminal
		res.Err = fmt.Errorf("%s exited %d: %s", c.Argv[0], exitErr.ExitCode(), tail(stderr.String()))
	default:
		res.Status = StatusTerminal
		res.Err = fmt.Errorf("run %s: %w", c.Argv[0], runErr)
	}
	return res
}

// tail trims a process's stderr to its last 512 bytes.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const keep = 512
	if len(s) > keep {
		s = "..." + s[len(s)-keep:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}

type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
