package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphctl/ralphctl/internal/domain"
)

func TestNewMessageDecodePayloadRoundTrip(t *testing.T) {
	stamp := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	payload := SessionEventPayload{
		RepositoryID: "repo-1",
		Session: domain.SessionRecord{
			SessionID: "sess-1",
			Status:    domain.StatusWorking,
		},
	}

	msg, err := NewMessage(TypeNotification, ActionSessionAdd, stamp, payload)
	require.NoError(t, err)
	assert.Equal(t, TypeNotification, msg.Type)
	assert.Equal(t, ActionSessionAdd, msg.Action)
	assert.True(t, stamp.Equal(msg.Timestamp))

	var decoded SessionEventPayload
	require.NoError(t, DecodePayload(msg, &decoded))
	assert.Equal(t, payload.RepositoryID, decoded.RepositoryID)
	assert.Equal(t, payload.Session.SessionID, decoded.Session.SessionID)
	assert.Equal(t, payload.Session.Status, decoded.Session.Status)
}

func TestNewMessageSnapshotPayload(t *testing.T) {
	stamp := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	payload := SessionsSnapshotPayload{
		Sessions: []domain.ListedSession{
			{SessionID: "a"},
			{SessionID: "b"},
		},
	}

	msg, err := NewMessage(TypeSnapshot, ActionSessionsSnapshot, stamp, payload)
	require.NoError(t, err)

	var decoded SessionsSnapshotPayload
	require.NoError(t, DecodePayload(msg, &decoded))
	require.Len(t, decoded.Sessions, 2)
	assert.Equal(t, "a", decoded.Sessions[0].SessionID)
	assert.Equal(t, "b", decoded.Sessions[1].SessionID)
}

func TestNewMessageOrphanAndTerminalPayloads(t *testing.T) {
	stamp := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	orphanMsg, err := NewMessage(TypeNotification, ActionOrphansDetected, stamp, OrphanDetectedPayload{
		RepositoryID:    "repo-1",
		WorkingCopyPath: "/work/repo-1-123",
	})
	require.NoError(t, err)
	var orphan OrphanDetectedPayload
	require.NoError(t, DecodePayload(orphanMsg, &orphan))
	assert.Equal(t, "/work/repo-1-123", orphan.WorkingCopyPath)

	termMsg, err := NewMessage(TypeNotification, ActionTerminalOutput, stamp, TerminalPayload{
		SessionID: "sess-1",
		Data:      []byte("hello"),
	})
	require.NoError(t, err)
	var term TerminalPayload
	require.NoError(t, DecodePayload(termMsg, &term))
	assert.Equal(t, []byte("hello"), term.Data)
}

func TestDecodePayloadErrorsOnMismatch(t *testing.T) {
	stamp := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	msg, err := NewMessage(TypeNotification, ActionSessionAdd, stamp, SessionEventPayload{RepositoryID: "repo-1"})
	require.NoError(t, err)

	var wrong struct {
		RepositoryID int `json:"repositoryId"`
	}
	assert.Error(t, DecodePayload(msg, &wrong)) // string repositoryId into an int field
	var term TerminalPayload
	err = DecodePayload(msg, &term)
	assert.NoError(t, err) // unrelated fields simply stay zero-valued
}
