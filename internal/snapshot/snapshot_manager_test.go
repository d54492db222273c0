package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

func newIncident(id string, status types.IncidentStatus) *types.Incident {
	severity := 3
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &types.Incident{
		ID:             types.IncidentID(id),
		NodeID:         "node-1",
		Location:       types.Location{Lat: 25.03, Long: 121.56},
		Severity:       &severity,
		BlockedLanes:   []types.Lane{{ID: 10, LaneNumber: 1}},
		Status:         status,
		ReviewDeadline: now.Add(time.Minute),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func snapshotOf(incidents ...*types.Incident) types.SnapshotData {
	data := types.SnapshotData{Incidents: make(map[types.IncidentID]*types.Incident)}
	for _, inc := range incidents {
		data.Incidents[inc.ID] = inc
	}
	return data
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	confirmed := newIncident("inc-002", types.StatusConfirmed)
	confirmed.Decision = &types.Decision{
		SpeedLimit:        60,
		LaneConfiguration: []types.LaneState{types.LaneBlocked, types.LaneRight},
		Actions:           []string{"reduce-speed"},
		Source:            types.SourceReviewer,
	}
	confirmed.Overridden = true

	original := snapshotOf(newIncident("inc-001", types.StatusPendingReview), confirmed)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.False(t, loaded.TakenAt.IsZero())
	require.Len(t, loaded.Incidents, 2)

	for id, want := range original.Incidents {
		got, exists := loaded.Incidents[id]
		require.True(t, exists, "Incident %s should exist", id)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, *want.Severity, *got.Severity)
		assert.Equal(t, want.BlockedLanes, got.BlockedLanes)
		assert.True(t, want.ReviewDeadline.Equal(got.ReviewDeadline))
		assert.Equal(t, want.Decision, got.Decision)
		assert.Equal(t, want.Overridden, got.Overridden)
	}
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(snapshotOf(newIncident("old", types.StatusReported))))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(snapshotOf(newIncident("new", types.StatusReported))))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	require.Len(t, loaded.Incidents, 1)
	_, hasOld := loaded.Incidents["old"]
	_, hasNew := loaded.Incidents["new"]
	assert.True(t, hasOld || hasNew)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(snapshotOf()))
	assert.True(t, manager.Exists())
}

func TestWriteCreatesDirectory(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "nested", "dir", "snap.json"))
	require.NoError(t, manager.Write(snapshotOf()))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotNil(t, loaded.Incidents)
	assert.Empty(t, loaded.Incidents)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	invalid := snapshotOf()
	invalid.SchemaVer = 2
	jsonBytes, err := json.MarshalIndent(invalid, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	corrupted := `{"incidents": {"inc-001": {"id": "inc-001", "status": "REPORTED"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corrupted), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	manager := NewManager(filepath.Join(readOnlyDir, "test_snapshot.json"))
	assert.Error(t, manager.Write(snapshotOf()))
}

// ============================================================================
// 備份測試
// ============================================================================

// TestWriteWithBackup 測試帶備份的寫入
func TestWriteWithBackup(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(snapshotOf(newIncident("inc-001", types.StatusReported))))
	require.NoError(t, manager.WriteWithBackup(snapshotOf(newIncident("inc-002", types.StatusRejected)), 3))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Contains(t, loaded.Incidents, types.IncidentID("inc-002"))

	backups, err := manager.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	raw, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "inc-001")
}

func TestWriteWithBackupPrunes(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	for i := 0; i < 6; i++ {
		require.NoError(t, manager.WriteWithBackup(snapshotOf(newIncident(fmt.Sprintf("inc-%d", i), types.StatusReported)), 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	// 最新的備份保存倒數第二次寫入
	raw, err := os.ReadFile(backups[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "inc-4")
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	large := snapshotOf()
	for i := 0; i < 1000; i++ {
		inc := newIncident(fmt.Sprintf("inc-%04d", i), types.StatusPendingReview)
		large.Incidents[inc.ID] = inc
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	writeDuration := time.Since(start)

	start = time.Now()
	loaded, err := manager.Load()
	require.NoError(t, err)
	loadDuration := time.Since(start)

	t.Logf("Write %v, load %v for 1000 incidents", writeDuration, loadDuration)
	assert.Len(t, loaded.Incidents, 1000)
	assert.Less(t, writeDuration, 2*time.Second)
	assert.Less(t, loadDuration, 2*time.Second)
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(snapshotOf(newIncident(fmt.Sprintf("inc-%d", index), types.StatusReported))))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Len(t, loaded.Incidents, 1)
}

// TestConcurrentReads 測試並發讀取
func TestConcurrentReads(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	require.NoError(t, manager.Write(snapshotOf(newIncident("inc-001", types.StatusReported))))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaded, err := manager.Load()
			assert.NoError(t, err)
			assert.Len(t, loaded.Incidents, 1)
		}()
	}
	wg.Wait()
}

// ============================================================================
// Benchmark 測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "benchmark_snapshot.json"))
	data := snapshotOf(newIncident("inc-001", types.StatusReported))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}

func BenchmarkLoad(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "benchmark_snapshot.json"))
	_ = manager.Write(snapshotOf(newIncident("inc-001", types.StatusReported)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.Load()
	}
}
