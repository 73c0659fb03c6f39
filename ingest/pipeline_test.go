package ingest

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/veilchat/veil/clock"
	"github.com/veilchat/veil/config"
	"github.com/veilchat/veil/internal/test"
	"github.com/veilchat/veil/msgtype"
	"github.com/veilchat/veil/store"
)

const (
	testSelf  store.RecipientID = 1
	testAlice store.RecipientID = 2
	testBob   store.RecipientID = 3
	testGroup store.RecipientID = 50
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type recordingNotifier struct {
	messages  []store.MessageID
	reactions []store.MessageID
}

func (n *recordingNotifier) NotifyMessage(id store.MessageID, _ store.ThreadID) {
	n.messages = append(n.messages, id)
}

func (n *recordingNotifier) NotifyReaction(id store.MessageID) {
	n.reactions = append(n.reactions, id)
}

type members map[store.RecipientID]bool

func (m members) IsMember(_, member store.RecipientID) (bool, error) {
	return m[member], nil
}

func newTestPipeline(t *testing.T, opts ...PipelineOption) (*Pipeline, *store.Manager, *recordingNotifier) {
	cl := clock.NewTestClock(time.UnixMilli(1_000_000))
	c := config.NewConfig(config.WithLoggingPrefix("ingest"))
	d := test.NewTestDatabaseWithClock(c, cl)
	m, err := store.NewManager(c, d, nil, testSelf, 1)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Shutdown())
	})
	n := &recordingNotifier{}
	opts = append([]PipelineOption{WithNotifier(n)}, opts...)
	return NewPipeline(c, m, opts...), m, n
}

func textEvent(from store.RecipientID, sentAt uint64, body string) *Event {
	return &Event{
		From:         from,
		Conversation: from,
		SentAt:       sentAt,
		ReceivedAt:   sentAt + 50,
		Body:         body,
	}
}

func TestProcessText(t *testing.T) {
	p, m, n := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "hello")))
	require.Len(t, n.messages, 1)

	msg, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Body)
	require.True(t, msgtype.IsInbox(msg.Type))
	require.True(t, msgtype.IsSecure(msg.Type))
}

func TestProcessDuplicateAbsorbed(t *testing.T) {
	p, m, n := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "hello")))
	require.NoError(t, p.Process(textEvent(testAlice, 5000, "hello")))
	require.Len(t, n.messages, 1)

	thread, err := m.ThreadFor(testAlice, false)
	require.NoError(t, err)
	reader, err := m.MessagesForThread(thread.ID, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reader.Len())
}

func TestProcessEmptyIgnored(t *testing.T) {
	p, m, n := newTestPipeline(t)

	require.NoError(t, p.Process(&Event{From: testAlice, Conversation: testAlice, SentAt: 5000}))
	require.Empty(t, n.messages)

	threads, err := m.Threads()
	require.NoError(t, err)
	require.Empty(t, threads)
}

func TestReactionBeatsText(t *testing.T) {
	p, m, n := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "hello")))

	// a reaction event also carrying a body acts only as a reaction
	ev := textEvent(testBob, 6000, "ignored")
	ev.Reaction = &Reaction{Emoji: "👍", TargetSent: 5000, TargetAuthor: testAlice}
	require.NoError(t, p.Process(ev))

	thread, err := m.ThreadFor(testAlice, false)
	require.NoError(t, err)
	reader, err := m.MessagesForThread(thread.ID, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reader.Len())
	require.Len(t, n.reactions, 1)

	target, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	reactions, err := m.ReactionsForMessage(target.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	require.Equal(t, "👍", reactions[0].Emoji)
	require.Equal(t, testBob, reactions[0].Author)
}

func TestEarlyReactionReplayed(t *testing.T) {
	p, m, n := newTestPipeline(t)

	ev := &Event{
		From:         testBob,
		Conversation: testAlice,
		SentAt:       6000,
		Reaction:     &Reaction{Emoji: "😀", TargetSent: 5000, TargetAuthor: testAlice},
	}
	require.NoError(t, p.Process(ev))
	require.Empty(t, n.reactions)
	require.Equal(t, 1, p.early.size())

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "hello")))
	require.Equal(t, 0, p.early.size())
	require.Len(t, n.reactions, 1)

	target, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	reactions, err := m.ReactionsForMessage(target.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	require.Equal(t, "😀", reactions[0].Emoji)
}

func TestReactionRemovalForMissingTargetDropped(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	ev := &Event{
		From:         testBob,
		Conversation: testAlice,
		SentAt:       6000,
		Reaction:     &Reaction{Emoji: "😀", Remove: true, TargetSent: 5000, TargetAuthor: testAlice},
	}
	require.NoError(t, p.Process(ev))
	require.Equal(t, 0, p.early.size())

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "hello")))
	target, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	reactions, err := m.ReactionsForMessage(target.ID)
	require.NoError(t, err)
	require.Empty(t, reactions)
}

func TestTimerReconciliation(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "first")))

	ev := textEvent(testAlice, 6000, "second")
	ev.ExpiresIn = 30000
	require.NoError(t, p.Process(ev))

	thread, err := m.ThreadFor(testAlice, false)
	require.NoError(t, err)
	require.Equal(t, uint64(30000), thread.ExpiresIn)

	// the synthetic timer change sits one tick before the message
	update, err := m.MessageFor(5999, testAlice)
	require.NoError(t, err)
	require.True(t, msgtype.IsExpirationTimerUpdate(update.Type))
	require.Equal(t, uint64(30000), update.ExpiresIn)

	reader, err := m.MessagesForThread(thread.ID, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 3, reader.Len())
}

func TestTimerAlreadyInSync(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	ev := textEvent(testAlice, 5000, "first")
	ev.ExpiresIn = 30000
	require.NoError(t, p.Process(ev))

	thread, err := m.ThreadFor(testAlice, false)
	require.NoError(t, err)
	require.NoError(t, m.SetThreadExpiresIn(thread.ID, 30000))

	ev2 := textEvent(testAlice, 6000, "second")
	ev2.ExpiresIn = 30000
	require.NoError(t, p.Process(ev2))

	_, err = m.MessageFor(5999, testAlice)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpirationUpdateEvent(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "hello")))

	ev := &Event{
		From:             testAlice,
		Conversation:     testAlice,
		SentAt:           6000,
		ExpiresIn:        86400,
		ExpirationUpdate: true,
		Body:             "stripped",
	}
	require.NoError(t, p.Process(ev))

	msg, err := m.MessageFor(6000, testAlice)
	require.NoError(t, err)
	require.True(t, msgtype.IsExpirationTimerUpdate(msg.Type))
	require.Empty(t, msg.Body)

	thread, err := m.ThreadFor(testAlice, false)
	require.NoError(t, err)
	require.Equal(t, uint64(86400), thread.ExpiresIn)
}

func TestRemoteDelete(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "regret")))

	ev := &Event{
		From:         testAlice,
		Conversation: testAlice,
		SentAt:       6000,
		RemoteDelete: &RemoteDelete{TargetSent: 5000},
	}
	require.NoError(t, p.Process(ev))

	msg, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	require.True(t, msg.RemoteDeleted)
	require.Empty(t, msg.Body)
}

func TestRemoteDeleteOnlyMatchesAuthor(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "keep me")))

	// bob cannot retract alice's message; the retraction parks against bob's own key
	ev := &Event{
		From:         testBob,
		Conversation: testAlice,
		SentAt:       6000,
		RemoteDelete: &RemoteDelete{TargetSent: 5000},
	}
	require.NoError(t, p.Process(ev))

	msg, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	require.False(t, msg.RemoteDeleted)
	require.Equal(t, "keep me", msg.Body)
}

func TestStoryReplyParkedThenRecovered(t *testing.T) {
	p, m, n := newTestPipeline(t)

	ev := textEvent(testBob, 6000, "nice story")
	ev.Conversation = testAlice
	ev.StoryContext = &StoryContext{Author: testAlice, SentAt: 9000}
	require.NoError(t, p.Process(ev))
	require.Empty(t, n.messages)
	require.Equal(t, 1, p.early.size())

	result, err := m.InsertIncoming(&store.IncomingMessage{
		From:         testAlice,
		Conversation: testAlice,
		SentAt:       9000,
		Body:         "story",
		StoryType:    store.StoryTypeTextStoryWithReplies,
	})
	require.NoError(t, err)
	require.NoError(t, p.Retry(testAlice, 9000))
	require.Equal(t, 0, p.early.size())
	require.Len(t, n.messages, 1)

	reply, err := m.MessageFor(6000, testBob)
	require.NoError(t, err)
	require.Equal(t, "nice story", reply.Body)
	require.True(t, reply.ParentStoryID.IsDirectReply())
	require.Equal(t, result.MessageID, reply.ParentStoryID.StoryID())
}

func TestStoryReaction(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	_, err := m.InsertIncoming(&store.IncomingMessage{
		From:         testAlice,
		Conversation: testAlice,
		SentAt:       9000,
		Body:         "story",
		StoryType:    store.StoryTypeTextStoryWithReplies,
	})
	require.NoError(t, err)

	ev := &Event{
		From:         testBob,
		Conversation: testAlice,
		SentAt:       9500,
		Reaction:     &Reaction{Emoji: "🔥"},
		StoryContext: &StoryContext{Author: testAlice, SentAt: 9000},
	}
	require.NoError(t, p.Process(ev))

	msg, err := m.MessageFor(9500, testBob)
	require.NoError(t, err)
	require.True(t, msgtype.IsStoryReaction(msg.Type))
	require.Equal(t, "🔥", msg.Body)
	require.True(t, msg.ParentStoryID.IsDirectReply())
}

func TestEditParkedThenApplied(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	edit := textEvent(testAlice, 7100, "hello, world")
	edit.EditTargetSent = 7000
	require.NoError(t, p.Process(edit))
	require.Equal(t, 1, p.early.size())

	require.NoError(t, p.Process(textEvent(testAlice, 7000, "helo wrld")))
	require.Equal(t, 0, p.early.size())

	thread, err := m.ThreadFor(testAlice, false)
	require.NoError(t, err)
	reader, err := m.MessagesForThread(thread.ID, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reader.Len())
	head := reader.Next()
	require.Equal(t, "hello, world", head.Body)
	require.Equal(t, 1, head.RevisionNumber)
}

func TestEditOfIneligibleTargetDropped(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	require.NoError(t, p.Process(textEvent(testAlice, 5000, "original")))
	target, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	_, err = m.MarkRemoteDeleted(target.ID)
	require.NoError(t, err)

	edit := textEvent(testAlice, 5100, "too late")
	edit.EditTargetSent = 5000
	require.NoError(t, p.Process(edit))
	require.Equal(t, 0, p.early.size())

	_, err = m.MessageFor(5100, testAlice)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGroupCallUpsert(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	ev := &Event{
		From:         testAlice,
		Conversation: testGroup,
		IsGroup:      true,
		SentAt:       5000,
		GroupCallUpdate: &store.GroupCallState{
			EraID:     "era-1",
			StartedBy: testAlice,
			StartedAt: 5000,
			InCall:    []store.RecipientID{testAlice},
		},
	}
	require.NoError(t, p.Process(ev))

	ev2 := &Event{
		From:         testBob,
		Conversation: testGroup,
		IsGroup:      true,
		SentAt:       5500,
		GroupCallUpdate: &store.GroupCallState{
			EraID:     "era-1",
			StartedBy: testAlice,
			StartedAt: 5000,
			InCall:    []store.RecipientID{testAlice, testBob},
		},
	}
	require.NoError(t, p.Process(ev2))

	thread, err := m.ThreadFor(testGroup, true)
	require.NoError(t, err)
	reader, err := m.MessagesForThread(thread.ID, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reader.Len())
	require.True(t, msgtype.IsGroupCall(reader.Next().Type))

	ev3 := &Event{
		From:         testAlice,
		Conversation: testGroup,
		IsGroup:      true,
		SentAt:       9000,
		GroupCallUpdate: &store.GroupCallState{
			EraID:     "era-2",
			StartedBy: testAlice,
			StartedAt: 9000,
		},
	}
	require.NoError(t, p.Process(ev3))

	reader, err = m.MessagesForThread(thread.ID, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 2, reader.Len())
}

func TestGroupCallNotifiesAndRedrives(t *testing.T) {
	p, m, n := newTestPipeline(t)

	// a reaction to the call event arrives first and parks
	reaction := &Event{
		From:         testBob,
		Conversation: testGroup,
		IsGroup:      true,
		SentAt:       5500,
		Reaction:     &Reaction{Emoji: "🎉", TargetSent: 5000, TargetAuthor: testAlice},
	}
	require.NoError(t, p.Process(reaction))
	require.Equal(t, 1, p.early.size())

	ev := &Event{
		From:         testAlice,
		Conversation: testGroup,
		IsGroup:      true,
		SentAt:       5000,
		GroupCallUpdate: &store.GroupCallState{
			EraID:     "era-1",
			StartedBy: testAlice,
			StartedAt: 5000,
			InCall:    []store.RecipientID{testAlice},
		},
	}
	require.NoError(t, p.Process(ev))
	require.Len(t, n.messages, 1)
	require.Equal(t, 0, p.early.size())
	require.Len(t, n.reactions, 1)

	reactions, err := m.ReactionsForMessage(n.messages[0])
	require.NoError(t, err)
	require.Len(t, reactions, 1)

	// a same-era update changes the row in place without re-announcing it
	ev2 := &Event{
		From:         testBob,
		Conversation: testGroup,
		IsGroup:      true,
		SentAt:       5600,
		GroupCallUpdate: &store.GroupCallState{
			EraID:     "era-1",
			StartedBy: testAlice,
			StartedAt: 5000,
			InCall:    []store.RecipientID{testAlice, testBob},
		},
	}
	require.NoError(t, p.Process(ev2))
	require.Len(t, n.messages, 1)
}

func TestInvalidContentPlaceholder(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	ev := textEvent(testAlice, 5000, "garbled")
	ev.Invalid = true
	require.NoError(t, p.Process(ev))

	msg, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	require.Empty(t, msg.Body)
	require.Equal(t, msgtype.InvalidType, msgtype.Parse(msg.Type).Base)
}

func TestEndSession(t *testing.T) {
	p, m, n := newTestPipeline(t)

	ev := &Event{From: testAlice, Conversation: testAlice, SentAt: 5000, EndSession: true}
	require.NoError(t, p.Process(ev))
	require.Empty(t, n.messages)

	msg, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	require.True(t, msgtype.IsEndSession(msg.Type))
}

func TestPaymentNotification(t *testing.T) {
	p, m, _ := newTestPipeline(t)

	notice := &store.PaymentNotice{Receipt: []byte{1, 2, 3}, Note: "coffee"}
	ev := &Event{From: testAlice, Conversation: testAlice, SentAt: 5000, Payment: notice}
	require.NoError(t, p.Process(ev))

	msg, err := m.MessageFor(5000, testAlice)
	require.NoError(t, err)
	require.True(t, msgtype.IsPaymentsNotification(msg.Type))
	encoded, err := store.EncodeBodyPayload(notice)
	require.NoError(t, err)
	require.Equal(t, encoded, msg.Body)
}

func TestNonMemberDropped(t *testing.T) {
	p, m, n := newTestPipeline(t, WithGroupResolver(members{testAlice: true}))

	ev := textEvent(testBob, 5000, "not in this group")
	ev.Conversation = testGroup
	ev.IsGroup = true
	require.NoError(t, p.Process(ev))
	require.Empty(t, n.messages)

	threads, err := m.Threads()
	require.NoError(t, err)
	require.Empty(t, threads)

	ev2 := textEvent(testAlice, 6000, "member")
	ev2.Conversation = testGroup
	ev2.IsGroup = true
	require.NoError(t, p.Process(ev2))
	require.Len(t, n.messages, 1)
}

func TestEarlyMessageCacheBounded(t *testing.T) {
	c := newEarlyMessageCache(2)
	c.add(testAlice, 1, &Event{SentAt: 100})
	c.add(testAlice, 2, &Event{SentAt: 200})
	c.add(testAlice, 3, &Event{SentAt: 300})
	require.Equal(t, 2, c.size())

	// oldest key was evicted wholesale
	require.Empty(t, c.remove(testAlice, 1))
	require.Len(t, c.remove(testAlice, 2), 1)
	require.Len(t, c.remove(testAlice, 3), 1)
	require.Equal(t, 0, c.size())
}
