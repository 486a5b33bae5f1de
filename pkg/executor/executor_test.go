package executor

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockq/pkg/model"
)

func TestRouter(t *testing.T) {
	r := NewRouter()
	r.Handle("drift-scan", Func(func(_ context.Context, task Task) Result {
		return Success([]byte("scanned " + string(task.Payload)))
	}))

	res := r.Execute(context.Background(), Task{TaskType: "drift-scan", Payload: []byte("infra-core")})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "scanned infra-core", string(res.Data))

	res = r.Execute(context.Background(), Task{TaskType: "other"})
	assert.Equal(t, StatusTerminal, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoExecutor)

	r.Fallback(Func(func(context.Context, Task) Result { return Retryable(errors.New("busy")) }))
	res = r.Execute(context.Background(), Task{TaskType: "other"})
	assert.Equal(t, StatusRetryable, res.Status)
	assert.Equal(t, []string{"drift-scan"}, r.Types())
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command executor tests need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func sh(script string) *Command {
	return &Command{Argv: []string{"sh", "-c", script}, Grace: time.Second}
}

func TestCommandSuccessGetsPayloadAndEnv(t *testing.T) {
	requireShell(t)
	c := sh(`printf '%s|%s|%s|' "$CLOCKQ_TASK_TYPE" "$CLOCKQ_RECORD_ID" "$CLOCKQ_DELIVERY_COUNT"; cat`)
	res := c.Execute(context.Background(), Task{
		TaskType:      "drift-scan",
		RecordID:      5,
		DeliveryCount: 2,
		Payload:       []byte(`{"repo":"infra-core"}`),
	})
	require.Equal(t, StatusSuccess, res.Status, "err: %v", res.Err)
	assert.Equal(t, `drift-scan|5-0|2|{"repo":"infra-core"}`, string(res.Data))
}

func TestCommandExitCodes(t *testing.T) {
	requireShell(t)
	tests := []struct {
		name   string
		script string
		want   Status
		errHas string
	}{
		{"tempfail is retryable", `echo "rate limited" >&2; exit 75`, StatusRetryable, "rate limited"},
		{"other exit is terminal", `echo "bad plan" >&2; exit 3`, StatusTerminal, "exited 3: bad plan"},
		{"missing binary is terminal", ``, StatusTerminal, "run"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sh(tt.script)
			if tt.script == "" {
				c = &Command{Argv: []string{"/nonexistent/clockq-agent"}}
			}
			res := c.Execute(context.Background(), Task{TaskType: "t"})
			assert.Equal(t, tt.want, res.Status)
			require.Error(t, res.Err)
			assert.Contains(t, res.Err.Error(), tt.errHas)
		})
	}
}

func TestCommandCancelledIsRetryable(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := sh(`sleep 30`).Execute(ctx, Task{TaskType: "t"})
	assert.Equal(t, StatusRetryable, res.Status)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCommandCheckpointRoundTrip(t *testing.T) {
	requireShell(t)
	c := sh(`prev=$(cat "$CLOCKQ_CHECKPOINT_FILE"); printf '%s+1' "$prev" > "$CLOCKQ_CHECKPOINT_FILE"; exit 75`)
	res := c.Execute(context.Background(), Task{
		TaskType:   "t",
		Checkpoint: &model.Checkpoint{State: []byte("turn0")},
	})
	assert.Equal(t, StatusRetryable, res.Status)
	assert.Equal(t, "turn0+1", string(res.Checkpoint))
}

func TestCommandEmptyArgv(t *testing.T) {
	res := (&Command{}).Execute(context.Background(), Task{})
	assert.Equal(t, StatusTerminal, res.Status)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", b.String())
}

func TestTail(t *testing.T) {
	assert.Equal(t, "(no stderr)", tail("  \n"))
	long := strings.Repeat("x", 600)
	assert.True(t, strings.HasPrefix(tail(long), "..."))
	assert.Len(t, tail(long), 515)
}
