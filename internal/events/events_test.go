package events

import (
	"context"
	"testing"

	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/logger"
	"agent-orchestrator/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPersistsEvent(t *testing.T) {
	store := database.NewMemoryStore()
	log := NewLogger(store, logger.NewTestLogger())
	ctx := context.Background()

	log.Record(ctx, types.EventCrashed, "planner", 4242, map[string]interface{}{"exit_code": 1})

	events, err := log.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCrashed, events[0].Type)
	assert.Equal(t, types.SeverityError, events[0].Severity)
	assert.Equal(t, "planner", events[0].Role)
	assert.Equal(t, 4242, events[0].PID)
	assert.EqualValues(t, 1, events[0].Details["exit_code"])
}

func TestDefaultSeverity(t *testing.T) {
	cases := []struct {
		eventType types.EventType
		want      types.EventSeverity
	}{
		{types.EventSpawned, types.SeverityInfo},
		{types.EventRestartScheduled, types.SeverityWarning},
		{types.EventCrashed, types.SeverityError},
		{types.EventTerminal, types.SeverityCritical},
		{types.EventForcedKill, types.SeverityError},
		{types.EventLockReclaimed, types.SeverityWarning},
		{types.EventType("bogus"), types.SeverityInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DefaultSeverity(tc.eventType), "type %s", tc.eventType)
	}
}

func TestListFiltersByRoleNewestFirst(t *testing.T) {
	store := database.NewMemoryStore()
	log := NewLogger(store, logger.NewTestLogger())
	ctx := context.Background()

	log.Record(ctx, types.EventSpawned, "planner", 100, nil)
	log.Record(ctx, types.EventSpawned, "builder", 200, nil)
	log.Record(ctx, types.EventCrashed, "planner", 100, nil)

	planner, err := log.List(ctx, "planner", 10)
	require.NoError(t, err)
	require.Len(t, planner, 2)
	assert.Equal(t, types.EventCrashed, planner[0].Type)
	assert.Equal(t, types.EventSpawned, planner[1].Type)

	all, err := log.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
