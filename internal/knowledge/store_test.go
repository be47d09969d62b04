package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryctl/sentryctl/internal/entityid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledge.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertEntitiesInsertsAndMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := entityid.Host("192.168.1.1")

	err := s.UpsertEntities(ctx, Batch{Entities: []Entity{{
		ID: hostID, Kind: KindHost, DiscoveredBy: "ping", Status: StatusDiscovered,
		Confidence: 0.5, Tags: []string{"scanned"},
		DiscoveredAt: time.Now(), UpdatedAt: time.Now(),
		Data: HostData{IPAddress: "192.168.1.1", IsAlive: true},
	}}})
	require.NoError(t, err)

	// Second parser run for the same natural key: higher confidence wins,
	// tags are unioned.
	err = s.UpsertEntities(ctx, Batch{Entities: []Entity{{
		ID: hostID, Kind: KindHost, DiscoveredBy: "nmap", Status: StatusVerified,
		Confidence: 0.9, Tags: []string{"alive"},
		DiscoveredAt: time.Now(), UpdatedAt: time.Now().Add(time.Second),
		Data: HostData{IPAddress: "192.168.1.1", IsAlive: true},
	}}})
	require.NoError(t, err)

	got, err := s.GetEntity(ctx, hostID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 0.9, got.Confidence)
	require.ElementsMatch(t, []string{"scanned", "alive"}, got.Tags)
	require.Equal(t, StatusVerified, got.Status)
}

func TestUpsertEntitiesRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertEntities(context.Background(), Batch{Entities: []Entity{{
		ID: "not-a-real-id", Kind: KindHost, Confidence: 1, UpdatedAt: time.Now(), DiscoveredAt: time.Now(),
	}}})
	require.Error(t, err)
	var invalid *InvalidIDError
	require.ErrorAs(t, err, &invalid)
}

func TestUpsertEntitiesRollsBackWholeBatchOnOrphanRelationship(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := entityid.Host("10.0.0.1")

	err := s.UpsertEntities(ctx, Batch{
		Entities: []Entity{{ID: hostID, Kind: KindHost, Confidence: 1, UpdatedAt: time.Now(), DiscoveredAt: time.Now()}},
		Relationships: []Relationship{
			{ParentID: hostID, ChildID: "host_nonexistent_child", Type: RelHasPort},
		},
	})
	require.Error(t, err)

	// The whole batch (including the valid host insert) must be rolled back.
	got, getErr := s.GetEntity(ctx, hostID)
	require.NoError(t, getErr)
	require.Nil(t, got)
}

func TestRecordExecutionAlwaysCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := ExecutionRecord{
		ID: "exec-1", ToolID: "nmap_port_scan", Target: "10.0.0.1",
		ExecutionStatus: ExecutionPartial, ParseStatus: ParseFailed,
		StartedAt: time.Now(), CompletedAt: time.Now(), EntitiesCreated: 0,
		RawStdoutPath: "/tmp/x/stdout.log",
	}
	require.NoError(t, s.RecordExecution(ctx, rec))

	last, err := s.LastExecution(ctx, "nmap_port_scan", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, ParseFailed, last.ParseStatus)
	require.Equal(t, 0, last.EntitiesCreated)

	ok, err := s.HasSuccessfulParse(ctx, "nmap_port_scan", "10.0.0.1")
	require.NoError(t, err)
	require.False(t, ok)

	executed, err := s.HasToolExecuted(ctx, "nmap_port_scan", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, executed)
}

func TestPruneDeletesStaleEntitiesAndCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := entityid.Host("172.16.0.1")
	portID := entityid.Port(hostID, 80, "tcp")

	old := time.Now().Add(-2 * time.Hour)
	err := s.UpsertEntities(ctx, Batch{
		Entities: []Entity{
			{ID: hostID, Kind: KindHost, Confidence: 1, DiscoveredAt: old, UpdatedAt: old},
			{ID: portID, Kind: KindPort, Confidence: 1, DiscoveredAt: old, UpdatedAt: old},
		},
		Relationships: []Relationship{{ParentID: hostID, ChildID: portID, Type: RelHasPort}},
	})
	require.NoError(t, err)

	n, err := s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	got, _ := s.GetEntity(ctx, hostID)
	require.Nil(t, got)
	children, err := s.Children(ctx, hostID, RelHasPort)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestCheckpointAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hostID := entityid.Host("192.168.1.50")
	require.NoError(t, s.UpsertEntities(ctx, Batch{Entities: []Entity{
		{ID: hostID, Kind: KindHost, Confidence: 1, UpdatedAt: time.Now(), DiscoveredAt: time.Now()},
	}}))

	checkpointPath := filepath.Join(t.TempDir(), "checkpoint.db")
	require.NoError(t, s.Checkpoint(ctx, checkpointPath))

	restorePath := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, Restore(checkpointPath, restorePath))

	restored, err := Open(restorePath)
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.GetEntity(ctx, hostID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestWithRetryRecoversFromOneTransientFailure(t *testing.T) {
	attempts := 0
	err := withRetry(func() error {
		attempts++
		if attempts == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithRetrySurfacesSecondFailureAsFatal(t *testing.T) {
	attempts := 0
	sentinel := errors.New("disk I/O error")
	err := withRetry(func() error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, attempts)
}
