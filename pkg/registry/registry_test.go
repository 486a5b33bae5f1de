package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const driftSchema = `{
	"type": "object",
	"required": ["repo"],
	"properties": {
		"repo": {"type": "string", "minLength": 1},
		"depth": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

func driftRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New([]TypeSpec{
		{Name: "drift-scan", Schema: json.RawMessage(driftSchema), Timeout: 5 * time.Minute},
		{Name: "background-agent"},
	})
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := driftRegistry(t)

	res, err := r.Resolve("drift-scan")
	require.NoError(t, err)
	assert.Equal(t, "dispatch:drift-scan", res.PartitionKey)
	assert.Equal(t, 5*time.Minute, res.DefaultTimeout)
	assert.JSONEq(t, driftSchema, string(res.PayloadSchema))

	res, err = r.Resolve("background-agent")
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, res.DefaultTimeout)
}

func TestResolveUnknown(t *testing.T) {
	r := driftRegistry(t)
	_, err := r.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
	assert.ErrorIs(t, r.Validate("nope", []byte(`{}`)), ErrUnknownTaskType)
}

func TestValidate(t *testing.T) {
	r := driftRegistry(t)

	tests := []struct {
		name    string
		payload string
		wantLoc []string
	}{
		{"valid", `{"repo":"infra-core"}`, nil},
		{"valid with depth", `{"repo":"infra-core","depth":3}`, nil},
		{"missing repo", `{}`, []string{"/"}},
		{"wrong types", `{"repo":5,"depth":0}`, []string{"/depth", "/repo"}},
		{"extra field", `{"repo":"x","owner":"me"}`, []string{"/"}},
		{"not json", `{"repo":`, []string{"/"}},
		{"trailing newline", "{\"repo\":\"infra-core\"}\n", nil},
		{"trailing garbage", `{"repo":"infra-core"} not json at all`, []string{"/"}},
		{"two documents", `{"repo":"a"} {"repo":"b"}`, []string{"/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("drift-scan", []byte(tt.payload))
			if tt.wantLoc == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPayloadInvalid)

			var perr *PayloadValidationError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "drift-scan", perr.TaskType)
			require.Len(t, perr.Violations, len(tt.wantLoc), "%v", perr.Violations)
			for i, loc := range tt.wantLoc {
				assert.True(t, strings.HasPrefix(perr.Violations[i], loc+": "),
					"violation %q should start with %q", perr.Violations[i], loc)
			}
		})
	}
}

func TestValidateRejectsTrailingData(t *testing.T) {
	r, err := New([]TypeSpec{{Name: "drift-scan", Schema: json.RawMessage(`{"type":"object","required":["repo"]}`)}})
	require.NoError(t, err)

	err = r.Validate("drift-scan", []byte(`{"repo":"infra-core"} not json at all`))
	var perr *PayloadValidationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"/: trailing data after JSON document"}, perr.Violations)
}

func TestValidateWithoutSchemaAcceptsAnything(t *testing.T) {
	r := driftRegistry(t)
	assert.NoError(t, r.Validate("background-agent", []byte("not even json")))
}

func TestNewRejectsBadRegistrations(t *testing.T) {
	_, err := New([]TypeSpec{{Name: ""}})
	assert.Error(t, err)

	_, err = New([]TypeSpec{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)

	_, err = New([]TypeSpec{{Name: "a", Schema: json.RawMessage(`{"type": 12}`)}})
	assert.Error(t, err)
}

func TestReplaceKeepsOldOnError(t *testing.T) {
	r := driftRegistry(t)
	err := r.Replace([]TypeSpec{{Name: "x", Schema: json.RawMessage(`{"type": "nonsense"}`)}})
	require.Error(t, err)
	assert.Equal(t, []string{"background-agent", "drift-scan"}, r.Types())

	require.NoError(t, r.Replace([]TypeSpec{{Name: "x"}}))
	assert.Equal(t, []string{"x"}, r.Types())
}

func loadJSON(path string) ([]TypeSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	specs := make([]TypeSpec, len(names))
	for i, n := range names {
		specs[i] = TypeSpec{Name: n}
	}
	return specs, nil
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "types.json")
	require.NoError(t, os.WriteFile(path, []byte(`["a"]`), 0o644))

	specs, err := loadJSON(path)
	require.NoError(t, err)
	r, err := New(specs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, path, loadJSON, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`["a","b"]`), 0o644))

	require.Eventually(t, func() bool {
		return len(r.Types()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the previous registry.
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	time.Sleep(2 * reloadDebounce)
	assert.Equal(t, []string{"a", "b"}, r.Types())
}
