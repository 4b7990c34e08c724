package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResourcesArithmetic(t *testing.T) {
	total := Resources{Cores: 4, MemoryMB: 8192, DiskMB: 1000, GPUs: 1}
	task := Resources{Cores: 2, MemoryMB: 2048}

	require.True(t, task.Fits(total))
	left := total.Sub(task).Sub(task)
	require.Equal(t, Resources{MemoryMB: 4096, DiskMB: 1000, GPUs: 1}, left)
	require.False(t, task.Fits(left))
	require.False(t, left.AnyNegative())
	require.True(t, left.Sub(task).AnyNegative())
	require.Equal(t, total, left.Add(task).Add(task))
}

func TestResourcesCompareAndClamp(t *testing.T) {
	a := Resources{Cores: 2, MemoryMB: 10}
	b := Resources{Cores: 2, MemoryMB: 20}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))

	limit := Resources{Cores: 1, MemoryMB: 15, DiskMB: 5, GPUs: 0}
	require.Equal(t, Resources{Cores: 1, MemoryMB: 15}, b.Clamp(limit))
	require.Equal(t, Resources{}, Resources{Cores: -3}.Clamp(limit))
}

func TestQuantityJSON(t *testing.T) {
	var req ResourceRequest
	err := json.Unmarshal([]byte(`{"cores": 2, "memory_mb": "auto", "disk_mb": "512"}`), &req)
	require.NoError(t, err)
	require.Equal(t, Exactly(2), req.Cores)
	require.True(t, req.MemoryMB.Auto)
	require.Equal(t, Exactly(512), req.DiskMB)
	require.Equal(t, Quantity{}, req.GPUs)
	require.True(t, req.HasAuto())

	bs, err := json.Marshal(req)
	require.NoError(t, err)
	require.JSONEq(t, `{"cores":2,"memory_mb":"auto","disk_mb":512,"gpus":0}`, string(bs))

	require.Error(t, json.Unmarshal([]byte(`{"cores": "lots"}`), &req))
}

func TestResourceRequestResolve(t *testing.T) {
	req := ResourceRequest{Cores: Exactly(1), MemoryMB: Auto(), DiskMB: Auto()}
	got := req.Resolve(Resources{Cores: 8, MemoryMB: 300, DiskMB: 40, GPUs: 2})
	require.Equal(t, Resources{Cores: 1, MemoryMB: 300, DiskMB: 40}, got)

	require.Empty(t, req.Validate())
	require.Len(t, ResourceRequest{Cores: Exactly(-1)}.Validate(), 1)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	require.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, json.Unmarshal([]byte(`5`), &d))
	require.Equal(t, 5*time.Second, d.Std())
	require.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
}
