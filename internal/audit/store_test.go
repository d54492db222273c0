package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(id types.IncidentID, kind string, from, to types.IncidentStatus) types.AuditEvent {
	return types.AuditEvent{
		IncidentID: id,
		NodeID:     "node-1",
		Kind:       kind,
		From:       from,
		To:         to,
		At:         time.Date(2026, 4, 2, 9, 30, 0, 123456789, time.UTC),
	}
}

func TestAppendAndList(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, event("inc-1", "reported", "", types.StatusReported)))
	require.NoError(t, s.Append(ctx, event("inc-2", "reported", "", types.StatusReported)))

	confirmed := event("inc-1", "confirmed", types.StatusPendingReview, types.StatusConfirmed)
	confirmed.CommandID = "cmd-1"
	confirmed.Detail = "reviewer override"
	require.NoError(t, s.Append(ctx, confirmed))

	events, err := s.List(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "reported", events[0].Kind)
	assert.Empty(t, events[0].From)
	assert.Empty(t, events[0].CommandID)

	got := events[1]
	assert.Equal(t, types.IncidentID("inc-1"), got.IncidentID)
	assert.Equal(t, "node-1", got.NodeID)
	assert.Equal(t, types.StatusPendingReview, got.From)
	assert.Equal(t, types.StatusConfirmed, got.To)
	assert.Equal(t, types.CommandID("cmd-1"), got.CommandID)
	assert.Equal(t, "reviewer override", got.Detail)
	assert.True(t, confirmed.At.Equal(got.At))
	assert.Greater(t, got.Seq, events[0].Seq)
}

func TestListUnknownIncident(t *testing.T) {
	s := openMemory(t)

	events, err := s.List(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecent(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, event(types.IncidentID(fmt.Sprintf("inc-%d", i)), "reported", "", types.StatusReported)))
	}

	events, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.IncidentID("inc-4"), events[0].IncidentID)
	assert.Equal(t, types.IncidentID("inc-2"), events[2].IncidentID)
}

func TestAppendDefaultsTimestamp(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	ev := event("inc-1", "expired", types.StatusReported, types.StatusExpired)
	ev.At = time.Time{}
	require.NoError(t, s.Append(ctx, ev))

	events, err := s.List(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.WithinDuration(t, time.Now(), events[0].At, 5*time.Second)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, event("inc-1", "reported", "", types.StatusReported)))
	require.NoError(t, s.Close())

	// 再次開啟時不重複套用 migration
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.List(ctx, "inc-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Append(context.Background(), event("inc-1", "reported", "", types.StatusReported)), ErrClosed)
	_, err = s.List(context.Background(), "inc-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentAppend(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, event("inc-1", "reported", "", types.StatusReported)))
		}()
	}
	wg.Wait()

	events, err := s.List(ctx, "inc-1")
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestMigrationsOrdered(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}
