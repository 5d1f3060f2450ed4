package directory

import (
	"testing"

	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaker struct {
	wakes int
}

func (w *countingWaker) Wake() {
	w.wakes++
}

func TestRebuildWipesAndSchedulesPopulation(t *testing.T) {
	h := newHarness(t, enabledConfig())
	seedHistory(h)
	waker := &countingWaker{}
	admin, err := NewAdmin(AdminConfig{Database: h.db, RoomState: h.rooms, Runner: h.runner, Waker: waker})
	require.NoError(t, err)

	rebuildID, err := admin.Rebuild(h.ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(rebuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, waker.wakes)

	snapshot := h.snapshot()
	assert.Empty(t, snapshot.Profiles)
	assert.Empty(t, snapshot.Public)
	assert.Empty(t, snapshot.Private)

	status, err := admin.Status(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, rebuildID, status.RebuildID)
	assert.Nil(t, status.StreamPosition)
	assert.False(t, status.Completed)
	require.Len(t, status.Stages, 4)
	for index, stage := range PopulationStages() {
		assert.Equal(t, stage.Name, status.Stages[index].Name)
		assert.Equal(t, stage.DependsOn, status.Stages[index].DependsOn)
		assert.False(t, status.Stages[index].Done)
	}

	require.NoError(t, background.RunToCompletion(h.ctx, h.runner, 10))

	status, err = admin.Status(h.ctx)
	require.NoError(t, err)
	assert.True(t, status.Completed)
	require.NotNil(t, status.StreamPosition)
	assert.Equal(t, h.stream, *status.StreamPosition)
}

func TestStatusOnFreshDirectory(t *testing.T) {
	h := newHarness(t, enabledConfig())

	status, err := h.admin.Status(h.ctx)
	require.NoError(t, err)
	assert.True(t, status.Completed)
	assert.Empty(t, status.Stages)
	assert.Empty(t, status.RebuildID)
}

func TestReactivateRejectsUnknownAccount(t *testing.T) {
	h := newHarness(t, enabledConfig())

	err := h.admin.Reactivate(h.ctx, localID("ghost"))
	require.Error(t, err)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "directory.reactivate.write_failed", serviceErr.Code())

	err = h.admin.Reactivate(h.ctx, "ghost")
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "directory.reactivate.invalid_user_id", serviceErr.Code())
}

func TestConstructorsRequireDependencies(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)
	_, err = NewUpdater(UpdaterConfig{})
	assert.Error(t, err)
	_, err = NewSearcher(SearcherConfig{})
	assert.Error(t, err)
	_, err = NewPopulator(PopulatorConfig{})
	assert.Error(t, err)
	_, err = NewAdmin(AdminConfig{})
	assert.Error(t, err)
	_, err = NewFeed(FeedConfig{})
	assert.Error(t, err)
}
