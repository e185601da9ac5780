package system

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

const sampleDF = `Filesystem     1024-blocks     Used Available Capacity Mounted on
/dev/sda1         102400000 92000000   5000000      95% /
/dev/sda2          51200000 10000000  40000000      20% /data
`

func TestDiskUsageHandlerParsesVolumes(t *testing.T) {
	pack := New()
	handler := pack.Handlers["disk.usage"]

	raw, err := handler(context.Background(), nil, fakeExec(sampleDF))
	require.NoError(t, err)

	var parsed struct {
		Volumes []Volume `json:"volumes"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.Len(t, parsed.Volumes, 2)
	assert.Equal(t, "/", parsed.Volumes[0].MountPoint)
	assert.Equal(t, 95, parsed.Volumes[0].UsedPercent)
	assert.Equal(t, "/data", parsed.Volumes[1].MountPoint)
	assert.Equal(t, 20, parsed.Volumes[1].UsedPercent)
}

func TestUptimeHandlerReturnsRawLine(t *testing.T) {
	pack := New()
	handler := pack.Handlers["uptime"]

	raw, err := handler(context.Background(), nil, fakeExec(" 10:00:00 up 3 days,  load average: 0.10, 0.05, 0.01\n"))
	require.NoError(t, err)

	var parsed struct {
		Raw string `json:"raw"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Contains(t, parsed.Raw, "load average")
}

func TestEvaluateUsageCriticalAboveThreshold(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"volumes": []Volume{{Filesystem: "/dev/sda1", MountPoint: "/", UsedPercent: 95}},
	})
	severity, detail, ok := evaluateUsage(data)
	assert.True(t, ok)
	assert.Equal(t, "critical", severity)
	assert.Contains(t, detail, "95%")
}

func TestEvaluateUsageWarningBand(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"volumes": []Volume{{Filesystem: "/dev/sda1", MountPoint: "/", UsedPercent: 85}},
	})
	severity, _, ok := evaluateUsage(data)
	assert.True(t, ok)
	assert.Equal(t, "warning", severity)
}

func TestEvaluateUsageHealthyNoFinding(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"volumes": []Volume{{Filesystem: "/dev/sda1", MountPoint: "/", UsedPercent: 40}},
	})
	_, _, ok := evaluateUsage(data)
	assert.False(t, ok)
}
