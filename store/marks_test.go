package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/veilchat/veil/msgtype"
)

func TestMarkRemoteDeleted(t *testing.T) {
	m, _ := newTestManager(t)

	target := incomingText(testAlice, 1000, "regret this")
	target.LinkPreviews = []LinkPreview{{URL: "https://example.com"}}
	result, err := m.InsertIncoming(target)
	require.NoError(t, err)
	require.NoError(t, m.AddReaction(result.MessageID, &Reaction{Author: testBob, Emoji: "😀", SentAt: 1050}))

	quoting := incomingText(testBob, 2000, "replying")
	quoting.Quote = &Quote{TargetSent: 1000, Author: testAlice, Body: "regret this"}
	quotingResult, err := m.InsertIncoming(quoting)
	require.NoError(t, err)

	_, err = m.MarkRemoteDeleted(result.MessageID)
	require.NoError(t, err)

	msg, err := m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.True(t, msg.RemoteDeleted)
	require.Empty(t, msg.Body)
	require.Empty(t, msg.LinkPreviews)
	require.True(t, msg.Read)

	reactions, err := m.ReactionsForMessage(result.MessageID)
	require.NoError(t, err)
	require.Empty(t, reactions)

	// anything quoting the retracted message now has a dangling quote
	quotingMsg, err := m.MessageByID(quotingResult.MessageID)
	require.NoError(t, err)
	require.NotNil(t, quotingMsg.Quote)
	require.True(t, quotingMsg.Quote.Missing)

	// the tombstone never renders as the snippet body
	thread, err := m.Thread(result.ThreadID)
	require.NoError(t, err)
	require.NotEqual(t, "regret this", thread.SnippetContent)
}

func TestMarkRemoteDeletedCollapsesEditChain(t *testing.T) {
	m, _ := newTestManager(t)

	original, err := m.InsertIncoming(incomingText(testAlice, 1000, "one"))
	require.NoError(t, err)
	_, err = m.InsertIncomingEdit(1000, incomingText(testAlice, 1100, "two"))
	require.NoError(t, err)

	// retracting by the original timestamp takes down the whole chain
	_, err = m.MarkRemoteDeleted(original.MessageID)
	require.NoError(t, err)

	_, err = m.MessageByID(original.MessageID)
	require.ErrorIs(t, err, ErrNotFound)

	reader, err := m.MessagesForThread(original.ThreadID, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reader.Len())
	require.True(t, reader.Next().RemoteDeleted)
}

func TestMarkExpireStartedMinWins(t *testing.T) {
	m, _ := newTestManager(t)

	msg := incomingText(testAlice, 1000, "vanishing")
	msg.ExpiresIn = 60_000
	result, err := m.InsertIncoming(msg)
	require.NoError(t, err)

	require.NoError(t, m.MarkExpireStarted(result.MessageID, 5000))
	stored, err := m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), stored.ExpireStarted)

	require.NoError(t, m.MarkExpireStarted(result.MessageID, 9000))
	stored, err = m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), stored.ExpireStarted)

	require.NoError(t, m.MarkExpireStarted(result.MessageID, 3000))
	stored, err = m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.Equal(t, uint64(3000), stored.ExpireStarted)
}

func TestMarkSendFailed(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.InsertOutgoing(&OutgoingMessage{Conversation: testAlice, SentAt: 1000, Body: "doomed"})
	require.NoError(t, err)
	require.NoError(t, m.MarkSendFailed(id))

	msg, err := m.MessageByID(id)
	require.NoError(t, err)
	require.True(t, msgtype.IsSentFailed(msg.Type))
	require.True(t, msgtype.IsOutgoing(msg.Type))
}

func TestUpdateTypeBits(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.InsertOutgoing(&OutgoingMessage{
		Conversation: testAlice,
		SentAt:       1000,
		Body:         "sending",
		Type:         msgtype.Classification{Base: msgtype.BaseSendingType, Secure: true, Push: true},
	})
	require.NoError(t, err)

	require.NoError(t, m.UpdateTypeBits(id, msgtype.BaseTypeMask, msgtype.BaseSentType, true))
	msg, err := m.MessageByID(id)
	require.NoError(t, err)
	require.Equal(t, msgtype.BaseSentType, msg.Type&msgtype.BaseTypeMask)
	require.True(t, msgtype.IsSecure(msg.Type))

	thread, err := m.Thread(msg.ThreadID)
	require.NoError(t, err)
	require.Equal(t, msg.Type, thread.SnippetType)
}

func TestMarkNotified(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.InsertIncoming(incomingText(testAlice, 1000, "ping"))
	require.NoError(t, err)
	require.NoError(t, m.MarkNotified(result.MessageID))

	msg, err := m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.True(t, msg.Notified)
}

func TestExportLifecycle(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.InsertIncoming(incomingText(testAlice, 1000, "to export"))
	require.NoError(t, err)

	state, err := m.ExportStateFor(result.MessageID)
	require.NoError(t, err)
	require.Zero(t, state.Progress)

	require.NoError(t, m.SetExportState(result.MessageID, &ExportState{Progress: 50, SeenRecipients: []RecipientID{testAlice}}))
	state, err = m.ExportStateFor(result.MessageID)
	require.NoError(t, err)
	require.Equal(t, 50, state.Progress)

	require.NoError(t, m.MarkExported(result.MessageID))
	msg, err := m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.Equal(t, ExportStatusExported, msg.Exported)

	require.NoError(t, m.MarkExportFailed(result.MessageID))
	msg, err = m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.Equal(t, ExportStatusError, msg.Exported)
}

func TestMarkViewedStartsExpiry(t *testing.T) {
	m, cl := newTestManager(t)

	msg := incomingText(testAlice, 1000, "")
	msg.ViewOnce = true
	msg.ExpiresIn = 10_000
	result, err := m.InsertIncoming(msg)
	require.NoError(t, err)

	changed, err := m.MarkViewed([]MessageID{result.MessageID, 9999})
	require.NoError(t, err)
	require.Equal(t, []MessageID{result.MessageID}, changed)

	stored, err := m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.True(t, stored.Read)
	require.Equal(t, cl.CurrentTimeMs(), stored.ExpireStarted)

	// already viewed, nothing to change
	changed, err = m.MarkViewed([]MessageID{result.MessageID})
	require.NoError(t, err)
	require.Empty(t, changed)
}
