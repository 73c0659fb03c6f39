package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyReceiptToOutgoing(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.InsertOutgoing(&OutgoingMessage{Conversation: testAlice, SentAt: 5000, Body: "ping"})
	require.NoError(t, err)

	handled, err := m.ApplyReceipt(5000, testAlice, 5100, ReceiptDelivery)
	require.NoError(t, err)
	require.True(t, handled)

	msg, err := m.MessageByID(id)
	require.NoError(t, err)
	require.Equal(t, 1, msg.DeliveryCount)
	require.Equal(t, int64(5100), msg.ReceiptAt)

	// later receipts bump the counter but never move the first-receipt timestamp
	handled, err = m.ApplyReceipt(5000, testAlice, 5200, ReceiptDelivery)
	require.NoError(t, err)
	require.True(t, handled)

	msg, err = m.MessageByID(id)
	require.NoError(t, err)
	require.Equal(t, 2, msg.DeliveryCount)
	require.Equal(t, int64(5100), msg.ReceiptAt)
}

func TestApplyReceiptNeverMatchesIncoming(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.InsertIncoming(incomingText(testAlice, 5000, "their message"))
	require.NoError(t, err)

	unhandled, err := m.ApplyReceipts([]uint64{5000}, testAlice, 5100, ReceiptRead)
	require.NoError(t, err)
	require.Equal(t, []uint64{5000}, unhandled)

	msg, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	require.Zero(t, msg.ReadCount)
}

func TestEarlyDeliveryReceiptConsumedAtInsert(t *testing.T) {
	m, _ := newTestManager(t)

	// receipts racing ahead of the sent sync are absorbed, not dropped
	handled, err := m.ApplyReceipt(5000, testAlice, 6000, ReceiptDelivery)
	require.NoError(t, err)
	require.True(t, handled)
	handled, err = m.ApplyReceipt(5000, testAlice, 6100, ReceiptDelivery)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, 1, m.earlyReceipts.Size())

	id, err := m.InsertOutgoing(&OutgoingMessage{Conversation: testAlice, SentAt: 5000, Body: "pong"})
	require.NoError(t, err)

	msg, err := m.MessageByID(id)
	require.NoError(t, err)
	require.Equal(t, 2, msg.DeliveryCount)
	require.Equal(t, int64(6100), msg.ReceiptAt)
	require.Zero(t, m.earlyReceipts.Size())
}

func TestEarlyReceiptCacheOnlyHoldsDelivery(t *testing.T) {
	m, _ := newTestManager(t)

	unhandled, err := m.ApplyReceipts([]uint64{5000}, testAlice, 6000, ReceiptViewed)
	require.NoError(t, err)
	require.Equal(t, []uint64{5000}, unhandled)
	require.Zero(t, m.earlyReceipts.Size())
}

func TestEarlyReceiptCacheBounded(t *testing.T) {
	c := NewEarlyReceiptCache(2)
	c.Increment(1, testAlice, 10)
	c.Increment(2, testAlice, 20)
	c.Increment(3, testAlice, 30)
	require.Equal(t, 2, c.Size())
	require.Nil(t, c.Remove(1))
	require.NotNil(t, c.Remove(3))
}

func TestGroupReceiptProgression(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.InsertOutgoing(&OutgoingMessage{
		Conversation: testGroup,
		IsGroup:      true,
		SentAt:       5000,
		Body:         "hi all",
		GroupMembers: []RecipientID{testAlice, testBob},
	})
	require.NoError(t, err)

	handled, err := m.ApplyReceipt(5000, testAlice, 5100, ReceiptDelivery)
	require.NoError(t, err)
	require.True(t, handled)
	handled, err = m.ApplyReceipt(5000, testAlice, 5200, ReceiptViewed)
	require.NoError(t, err)
	require.True(t, handled)

	receipts, err := m.GroupReceipts(id)
	require.NoError(t, err)
	byRecipient := map[RecipientID]int{}
	for _, r := range receipts {
		byRecipient[r.Recipient] = r.Status
	}
	require.Equal(t, GroupReceiptStatusViewed, byRecipient[testAlice])
	require.Equal(t, GroupReceiptStatusUndelivered, byRecipient[testBob])
}

func TestSetTimestampReadEarlierStartWins(t *testing.T) {
	m, cl := newTestManager(t)

	msg := incomingText(testAlice, 5000, "vanishing")
	msg.ExpiresIn = 60_000
	result, err := m.InsertIncoming(msg)
	require.NoError(t, err)

	cl.Advance(10 * time.Second)
	readAt := cl.CurrentTimeMs()
	changed, err := m.SetTimestampRead(5000, testAlice, readAt)
	require.NoError(t, err)
	require.Len(t, changed, 1)

	stored, err := m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.True(t, stored.Read)
	require.Equal(t, readAt, stored.ExpireStarted)

	// a second, later sync cannot extend the message's remaining lifetime
	cl.Advance(10 * time.Second)
	_, err = m.SetTimestampRead(5000, testAlice, cl.CurrentTimeMs())
	require.NoError(t, err)

	stored, err = m.MessageByID(result.MessageID)
	require.NoError(t, err)
	require.Equal(t, readAt, stored.ExpireStarted)

	count, err := m.UnreadCount(result.ThreadID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStoryViewedReceiptFansOut(t *testing.T) {
	m, _ := newTestManager(t)

	// the same story sent to two distribution lists yields two rows sharing a
	// sent timestamp
	first, err := m.InsertOutgoing(&OutgoingMessage{
		Conversation: testAlice,
		SentAt:       5000,
		StoryType:    StoryTypeStoryWithReplies,
		StorySends:   []StorySend{{Recipient: testAlice, AllowsReplies: true}},
	})
	require.NoError(t, err)
	second, err := m.InsertOutgoing(&OutgoingMessage{
		Conversation: testBob,
		SentAt:       5000,
		StoryType:    StoryTypeStoryWithReplies,
		StorySends:   []StorySend{{Recipient: testAlice, AllowsReplies: true}},
	})
	require.NoError(t, err)

	handled, err := m.ApplyReceipt(5000, testAlice, 5100, ReceiptViewed)
	require.NoError(t, err)
	require.True(t, handled)

	for _, id := range []MessageID{first, second} {
		msg, err := m.MessageByID(id)
		require.NoError(t, err)
		require.Equal(t, 1, msg.ViewedCount, "story %d", id)
	}

	allowed, err := m.StorySendAllowsReplies(testAlice, 5000)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestStoryDeliveryReceiptFansOut(t *testing.T) {
	m, _ := newTestManager(t)

	// distribution-list copies are addressed to the lists, not the viewer, so
	// alice's receipt can only reach them through the fan-out index
	first, err := m.InsertOutgoing(&OutgoingMessage{
		Conversation: testBob,
		SentAt:       5000,
		StoryType:    StoryTypeStoryWithReplies,
		StorySends:   []StorySend{{Recipient: testAlice, AllowsReplies: true}},
	})
	require.NoError(t, err)
	second, err := m.InsertOutgoing(&OutgoingMessage{
		Conversation: RecipientID(4),
		SentAt:       5000,
		StoryType:    StoryTypeStoryWithReplies,
		StorySends:   []StorySend{{Recipient: testAlice, AllowsReplies: true}},
	})
	require.NoError(t, err)

	handled, err := m.ApplyReceipt(5000, testAlice, 5100, ReceiptDelivery)
	require.NoError(t, err)
	require.True(t, handled)
	require.Zero(t, m.earlyReceipts.Size())

	for _, id := range []MessageID{first, second} {
		msg, err := m.MessageByID(id)
		require.NoError(t, err)
		require.Equal(t, 1, msg.DeliveryCount, "story %d", id)
	}
}
