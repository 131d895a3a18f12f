package fixfinder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalState_HiddenMessagesSurviveReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	state, err := OpenLocalState(dir)
	require.NoError(t, err)
	require.NoError(t, state.HideMessages("conv-1", "msg-1", "msg-2"))
	require.NoError(t, state.HideMessages("conv-2", "msg-9"))
	require.NoError(t, state.Close())

	state, err = OpenLocalState(dir)
	require.NoError(t, err)
	defer state.Close()

	hidden := state.HiddenMessages("conv-1")
	assert.True(t, hidden["msg-1"])
	assert.True(t, hidden["msg-2"])
	assert.False(t, hidden["msg-9"], "hidden sets are per conversation")
	assert.True(t, state.IsHidden("conv-2", "msg-9"))
}

func TestLocalState_ReviewedJobsSurviveReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	state, err := OpenLocalState(dir)
	require.NoError(t, err)
	require.NoError(t, state.MarkReviewed("job-1"))
	require.NoError(t, state.Close())

	state, err = OpenLocalState(dir)
	require.NoError(t, err)
	defer state.Close()

	assert.True(t, state.IsReviewed("job-1"))
	assert.False(t, state.IsReviewed("job-2"))
}

func TestLocalState_HideIdempotent(t *testing.T) {
	state := NewEphemeralState()
	defer state.Close()

	require.NoError(t, state.HideMessages("conv-1", "msg-1"))
	require.NoError(t, state.HideMessages("conv-1", "msg-1"))
	assert.Len(t, state.HiddenMessages("conv-1"), 1)
}

func TestLocalState_EphemeralDoesNotPersist(t *testing.T) {
	state := NewEphemeralState()
	require.NoError(t, state.HideMessages("conv-1", "msg-1"))
	assert.True(t, state.IsHidden("conv-1", "msg-1"))
	require.NoError(t, state.MarkReviewed("job-1"))
	assert.True(t, state.IsReviewed("job-1"))
	require.NoError(t, state.Close())
}
