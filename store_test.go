package fixfinder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingMsg(localID, text string) Message {
	return Message{
		LocalID:        localID,
		Status:         StatusPending,
		ConversationID: "conv-1",
		SenderID:       "user-1",
		Kind:           KindText,
		Content:        Content{Text: text},
		CreatedAt:      time.Now(),
	}
}

func confirmedMsg(id, sender, text string) Message {
	return Message{
		ID:             id,
		Status:         StatusConfirmed,
		ConversationID: "conv-1",
		SenderID:       sender,
		Kind:           KindText,
		Content:        Content{Text: text},
		CreatedAt:      time.Now(),
	}
}

// ============================================================================
// Append / dedup
// ============================================================================

func TestStore_AppendDeduplicates(t *testing.T) {
	s := NewMessageStore()

	require.True(t, s.Append(confirmedMsg("msg-1", "user-2", "hello")))
	assert.False(t, s.Append(confirmedMsg("msg-1", "user-2", "hello")), "redelivered event must be a no-op")
	assert.Equal(t, 1, s.Len())
}

func TestStore_AppendRejectsEchoOfKnownLocalID(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(pendingMsg("local-1", "hello")))

	// The broadcast echo can carry both ids; the record is already present
	// under its local id.
	echo := confirmedMsg("msg-1", "user-1", "hello")
	echo.LocalID = "local-1"
	assert.False(t, s.Append(echo))
	assert.Equal(t, 1, s.Len())
}

// ============================================================================
// Confirm / discard
// ============================================================================

func TestStore_ConfirmSwapKeepsPosition(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(confirmedMsg("msg-1", "user-2", "first")))
	require.True(t, s.Append(pendingMsg("local-1", "second")))
	require.True(t, s.Append(confirmedMsg("msg-3", "user-2", "third")))

	require.True(t, s.ConfirmSwap("local-1", confirmedMsg("msg-2", "user-1", "second")))

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "msg-2", all[1].ID, "confirmed record must keep the optimistic slot")
	assert.Equal(t, StatusConfirmed, all[1].Status)
	assert.Equal(t, 0, s.PendingCount())

	// Old key is gone, new key resolves.
	_, ok := s.Get("local-1")
	assert.False(t, ok)
	got, ok := s.Get("msg-2")
	require.True(t, ok)
	assert.Equal(t, "second", got.Content.Text)
}

func TestStore_ConfirmSwapIgnoresUnknownOrConfirmed(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(confirmedMsg("msg-1", "user-1", "hi")))

	assert.False(t, s.ConfirmSwap("local-missing", confirmedMsg("msg-2", "user-1", "x")))
	assert.False(t, s.ConfirmSwap("msg-1", confirmedMsg("msg-3", "user-1", "x")))
}

func TestStore_ConfirmSwapDropsPendingWhenHistoryWon(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(pendingMsg("local-1", "hello")))

	// A reconnect resync appended the server record from history before the
	// send's REST response came back. History records carry no local id, so
	// the append dedup could not catch it.
	require.True(t, s.Append(confirmedMsg("msg-1", "user-1", "hello")))

	require.True(t, s.ConfirmSwap("local-1", confirmedMsg("msg-1", "user-1", "hello")))

	visible := s.Visible(nil)
	require.Len(t, visible, 1, "one send must render once")
	assert.Equal(t, "msg-1", visible[0].ID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 0, s.PendingCount())

	_, ok := s.Get("local-1")
	assert.False(t, ok, "pending key is gone")
}

func TestStore_DiscardReturnsDraft(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(pendingMsg("local-1", "draft text")))

	draft, ok := s.Discard("local-1")
	require.True(t, ok)
	assert.Equal(t, "draft text", draft.Content.Text)
	assert.Equal(t, 0, s.Len())

	// Confirmed records cannot be discarded.
	require.True(t, s.Append(confirmedMsg("msg-1", "user-1", "kept")))
	_, ok = s.Discard("msg-1")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

// ============================================================================
// Delete / edit interplay
// ============================================================================

func TestStore_DeleteWinsOverEdit(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(confirmedMsg("msg-1", "user-2", "original")))

	require.True(t, s.MarkDeleted("msg-1", time.Now()))
	assert.False(t, s.MarkDeleted("msg-1", time.Now()), "second delete is a no-op")

	// An edit arriving after the delete (any order on the wire) is rejected.
	assert.False(t, s.MarkEdited("msg-1", "edited", time.Now()))

	got, ok := s.Get("msg-1")
	require.True(t, ok)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content.Text, "deleted record keeps no renderable content")
}

func TestStore_EditIdempotent(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(confirmedMsg("msg-1", "user-2", "original")))

	require.True(t, s.MarkEdited("msg-1", "fixed", time.Now()))
	assert.False(t, s.MarkEdited("msg-1", "fixed", time.Now()), "redelivered edit is a no-op")

	got, _ := s.Get("msg-1")
	assert.True(t, got.Edited)
	assert.Equal(t, "fixed", got.Content.Text)
}

func TestStore_Replace(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(confirmedMsg("msg-1", "user-1", "original")))

	prev, _ := s.Get("msg-1")
	require.True(t, s.MarkDeleted("msg-1", time.Now()))
	require.True(t, s.Replace(prev))

	got, _ := s.Get("msg-1")
	assert.False(t, got.Deleted)
	assert.Equal(t, "original", got.Content.Text)

	assert.False(t, s.Replace(confirmedMsg("msg-404", "user-1", "x")))
}

// ============================================================================
// Views
// ============================================================================

func TestStore_VisibleFiltersDeletedAndHidden(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(confirmedMsg("msg-1", "user-2", "keep")))
	require.True(t, s.Append(confirmedMsg("msg-2", "user-2", "hidden")))
	require.True(t, s.Append(confirmedMsg("msg-3", "user-2", "deleted")))
	require.True(t, s.MarkDeleted("msg-3", time.Now()))

	visible := s.Visible(map[string]bool{"msg-2": true})
	require.Len(t, visible, 1)
	assert.Equal(t, "msg-1", visible[0].ID)

	// Hiding is display-only: the records are still in the store.
	assert.Equal(t, 3, s.Len())
}

func TestStore_MarkRead(t *testing.T) {
	s := NewMessageStore()
	require.True(t, s.Append(confirmedMsg("msg-1", "user-1", "mine")))
	require.True(t, s.Append(confirmedMsg("msg-2", "user-2", "theirs")))

	assert.Equal(t, 1, s.MarkRead("user-1"))
	assert.Equal(t, 0, s.MarkRead("user-1"), "already read")

	got, _ := s.Get("msg-1")
	assert.True(t, got.Read)
	got, _ = s.Get("msg-2")
	assert.False(t, got.Read)
}
