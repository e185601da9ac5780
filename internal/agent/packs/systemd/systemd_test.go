package systemd

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentpacks "github.com/sonde-hub/sonde/internal/agent/packs"
)

func fakeExec(out string) agentpacks.ExecFunc {
	return func(ctx context.Context, name string, args []string, timeout time.Duration) ([]byte, error) {
		return []byte(out), nil
	}
}

func TestStatusHandlerReturnsActiveState(t *testing.T) {
	pack := New()
	handler := pack.Handlers["status"]
	params, _ := json.Marshal(statusParams{Unit: "nginx.service"})

	raw, err := handler(context.Background(), params, fakeExec("active\n"))
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "nginx.service", out["unit"])
	assert.Equal(t, "active", out["activeState"])
}

func TestStatusHandlerRequiresUnit(t *testing.T) {
	pack := New()
	handler := pack.Handlers["status"]
	_, err := handler(context.Background(), nil, fakeExec(""))
	assert.Error(t, err)
}

func TestLogsHandlerSplitsLines(t *testing.T) {
	pack := New()
	handler := pack.Handlers["logs"]
	params, _ := json.Marshal(logsParams{Unit: "nginx.service", Lines: 2})

	raw, err := handler(context.Background(), params, fakeExec("line one\nline two\n"))
	require.NoError(t, err)

	var out struct {
		Unit  string   `json:"unit"`
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, []string{"line one", "line two"}, out.Lines)
}

func TestLogsHandlerCapsRequestedLines(t *testing.T) {
	pack := New()
	handler := pack.Handlers["logs"]
	params, _ := json.Marshal(logsParams{Unit: "nginx.service", Lines: 50000})

	var gotArgs []string
	exec := func(ctx context.Context, name string, args []string, timeout time.Duration) ([]byte, error) {
		gotArgs = args
		return []byte(""), nil
	}
	_, err := handler(context.Background(), params, exec)
	require.NoError(t, err)
	assert.Contains(t, gotArgs, "1000")
}
