package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/veilchat/veil/clock"
	"github.com/veilchat/veil/config"
	"github.com/veilchat/veil/internal/test"
)

const (
	testSelf  RecipientID = 1
	testAlice RecipientID = 2
	testBob   RecipientID = 3
	testGroup RecipientID = 50
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *clock.TestClock) {
	cl := clock.NewTestClock(time.UnixMilli(1_000_000))
	c := config.NewConfig(config.WithLoggingPrefix("store"))
	d := test.NewTestDatabaseWithClock(c, cl)
	m, err := NewManager(c, d, nil, testSelf, 1, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Shutdown())
	})
	return m, cl
}

func incomingText(from RecipientID, sentAt uint64, body string) *IncomingMessage {
	return &IncomingMessage{From: from, Conversation: from, SentAt: sentAt, Body: body}
}
