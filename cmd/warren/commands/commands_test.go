package commands

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/warren/internal/state"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", fmt.Sprintf("redis://%s", mr.Addr()))
	t.Setenv("WARREN_INSTANCE_NAME", "test-instance")
	return mr
}

func TestInstanceNameDefaults(t *testing.T) {
	t.Setenv("WARREN_INSTANCE_NAME", "")
	assert.Equal(t, "default", instanceName())

	t.Setenv("WARREN_INSTANCE_NAME", "prod")
	assert.Equal(t, "prod", instanceName())
}

func TestCoordinatorAddrDefaults(t *testing.T) {
	t.Setenv("WARREN_COORDINATOR_ADDR", "")
	assert.Equal(t, "localhost:8080", coordinatorAddr())

	t.Setenv("WARREN_COORDINATOR_ADDR", "coordinator:9090")
	assert.Equal(t, "coordinator:9090", coordinatorAddr())
}

func TestConnectStoreFailsWithoutRedis(t *testing.T) {
	mr := setupTestRedis(t)
	mr.Close()

	_, err := connectStore(context.Background())
	require.Error(t, err)
}

func TestConnectStoreUsesInstanceName(t *testing.T) {
	setupTestRedis(t)

	store, err := connectStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, "test-instance", store.InstanceName())
}

func TestSubmitFailsWithoutCoordinator(t *testing.T) {
	setupTestRedis(t)
	submitTitle = "needs a coordinator"
	submitWatch = false
	t.Cleanup(func() { submitTitle = "" })

	err := runSubmit(submitCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coordinator is not running")
}

func TestDecideRequiresExactlyOneVerdict(t *testing.T) {
	setupTestRedis(t)
	decideApprove = false
	decideReject = false

	err := runDecide(decideCmd, []string{uuid.New().String()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--approve or --reject")
}

func TestNewestSessionPicksMostRecent(t *testing.T) {
	setupTestRedis(t)

	store, err := connectStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UnixMilli()
	oldID := uuid.New().String()
	newID := uuid.New().String()
	for i, s := range []*state.SessionState{
		{ID: oldID, Status: state.SessionActive, CreatedAtMs: now - 1000, LastTouchedMs: now - 1000, Version: 1},
		{ID: newID, Status: state.SessionActive, CreatedAtMs: now, LastTouchedMs: now, Version: 1},
	} {
		require.NoError(t, store.PutSession(context.Background(), s), "session %d", i)
	}

	got, err := newestSession(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, newID, got)
}

func TestNewestSessionWithNoSessions(t *testing.T) {
	setupTestRedis(t)

	store, err := connectStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	_, err = newestSession(context.Background(), store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sessions found")
}
