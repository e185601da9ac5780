package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-hub/sonde/internal/agent/packs"
	"github.com/sonde-hub/sonde/internal/agent/scrubber"
	shared "github.com/sonde-hub/sonde/internal/packs"
)

func testRegistry(t *testing.T, handlers map[string]packs.HandlerFunc) *packs.Registry {
	t.Helper()
	reg := packs.NewRegistry(nil)
	reg.Register(&packs.Pack{
		Manifest: shared.Manifest{Name: "disk", Version: "1.0.0", Kind: shared.KindAgent},
		Handlers: handlers,
	})
	return reg
}

func TestExecuteReturnsScrubbedDataAndMetadata(t *testing.T) {
	handlers := map[string]packs.HandlerFunc{
		"usage": func(ctx context.Context, params json.RawMessage, exec packs.ExecFunc) (json.RawMessage, error) {
			return json.Marshal(map[string]interface{}{"password": "hunter2", "percent": 87})
		},
	}
	e := New(testRegistry(t, handlers), scrubber.New(nil), nil, "1.2.3")

	result, err := e.Execute(context.Background(), "disk.usage", nil)
	require.NoError(t, err)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Data, &data))
	assert.Equal(t, "[REDACTED]", data["password"])
	assert.Equal(t, float64(87), data["percent"])

	assert.Equal(t, "1.2.3", result.Metadata.AgentVersion)
	assert.Equal(t, "disk", result.Metadata.PackName)
	assert.Equal(t, "1.0.0", result.Metadata.PackVersion)
	assert.Equal(t, "observe", result.Metadata.CapabilityLevel)
}

func TestExecuteUnknownProbe(t *testing.T) {
	e := New(testRegistry(t, map[string]packs.HandlerFunc{}), scrubber.New(nil), nil, "1.0.0")
	_, err := e.Execute(context.Background(), "disk.usage", nil)
	assert.Error(t, err)
}

func TestExecuteMalformedProbeName(t *testing.T) {
	e := New(testRegistry(t, map[string]packs.HandlerFunc{}), scrubber.New(nil), nil, "1.0.0")
	_, err := e.Execute(context.Background(), "noprefix", nil)
	assert.Error(t, err)
}

func TestExecuteHandlerErrorWrapped(t *testing.T) {
	handlers := map[string]packs.HandlerFunc{
		"usage": func(ctx context.Context, params json.RawMessage, exec packs.ExecFunc) (json.RawMessage, error) {
			return nil, errors.New("disk full")
		},
	}
	e := New(testRegistry(t, handlers), scrubber.New(nil), nil, "1.0.0")
	_, err := e.Execute(context.Background(), "disk.usage", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestExecutePassesExecFuncThrough(t *testing.T) {
	var gotTimeout time.Duration
	exec := func(ctx context.Context, name string, args []string, timeout time.Duration) ([]byte, error) {
		gotTimeout = timeout
		return []byte("ok"), nil
	}
	handlers := map[string]packs.HandlerFunc{
		"usage": func(ctx context.Context, params json.RawMessage, e packs.ExecFunc) (json.RawMessage, error) {
			out, err := e(ctx, "df", []string{"-h"}, 5*time.Second)
			if err != nil {
				return nil, err
			}
			return json.Marshal(string(out))
		},
	}
	e := New(testRegistry(t, handlers), scrubber.New(nil), exec, "1.0.0")
	_, err := e.Execute(context.Background(), "disk.usage", nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, gotTimeout)
}
