package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestHistoryStore(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := NewHistoryStore(db)
	require.NoError(t, err)
	return store
}

func finishedHistory(instanceID, definitionID string, status InstanceStatus) *ExecutionHistory {
	h := NewExecutionHistory(instanceID, definitionID)
	base := time.Now().Add(-time.Minute)
	h.RecordStep(StepExecution{
		StepID: "plan", Role: "architect",
		StartTime: base, EndTime: base.Add(2 * time.Second),
		Duration: 2 * time.Second, Attempts: 1, Status: StatusCompleted,
	})
	h.RecordStep(StepExecution{
		StepID: "build", Role: "implementation",
		StartTime: base.Add(2 * time.Second), EndTime: base.Add(10 * time.Second),
		Duration: 8 * time.Second, Attempts: 3, Status: StatusFailed,
		Error: "worker crashed",
	})
	h.Finish(status, "worker crashed")
	return h
}

func TestHistoryStore_ArchiveRoundTrip(t *testing.T) {
	store := newTestHistoryStore(t)

	h := finishedHistory("inst-1", "def-1", StatusCompleted)
	require.NoError(t, store.Archive(h))

	record, steps, err := store.ByInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", record.InstanceID)
	assert.Equal(t, "def-1", record.DefinitionID)
	assert.Equal(t, string(StatusCompleted), record.Status)
	assert.Equal(t, "worker crashed", record.Error)

	require.Len(t, steps, 2)
	assert.Equal(t, "plan", steps[0].StepID)
	assert.Equal(t, "build", steps[1].StepID)
	assert.Equal(t, 3, steps[1].Attempts)
	assert.EqualValues(t, 8000, steps[1].DurationMs)
	assert.Equal(t, "worker crashed", steps[1].Error)
}

func TestHistoryStore_DuplicateInstanceRejected(t *testing.T) {
	store := newTestHistoryStore(t)

	require.NoError(t, store.Archive(finishedHistory("inst-1", "def-1", StatusCompleted)))
	assert.Error(t, store.Archive(finishedHistory("inst-1", "def-1", StatusCompleted)),
		"instance IDs are unique in the archive")
}

func TestHistoryStore_ByDefinition(t *testing.T) {
	store := newTestHistoryStore(t)

	for i := 0; i < 5; i++ {
		h := NewExecutionHistory(fmt.Sprintf("inst-%d", i), "def-1")
		h.StartTime = time.Now().Add(time.Duration(i) * time.Minute)
		h.Finish(StatusCompleted, "")
		require.NoError(t, store.Archive(h))
	}
	other := NewExecutionHistory("inst-other", "def-2")
	other.Finish(StatusFailed, "boom")
	require.NoError(t, store.Archive(other))

	records, err := store.ByDefinition("def-1", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Newest first.
	assert.Equal(t, "inst-4", records[0].InstanceID)
	assert.Equal(t, "inst-3", records[1].InstanceID)

	all, err := store.ByDefinition("def-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestHistoryStore_UnknownInstance(t *testing.T) {
	store := newTestHistoryStore(t)
	_, _, err := store.ByInstance("ghost")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestExecutionHistory_StepsCopyIsDetached(t *testing.T) {
	h := finishedHistory("inst-1", "def-1", StatusCompleted)
	steps := h.StepsCopy()
	require.Len(t, steps, 2)
	steps[0].StepID = "mutated"
	assert.Equal(t, "plan", h.StepsCopy()[0].StepID)
}
