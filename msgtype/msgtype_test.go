package msgtype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassificationRoundTrip(t *testing.T) {
	cases := []Classification{
		{Base: BaseInboxType},
		{Base: BaseInboxType, Secure: true, Push: true},
		{Base: BaseSentType, Secure: true, EndSession: true},
		{Base: BaseInboxType, GroupUpdate: true, GroupV2: true},
		{Base: BaseInboxType, GroupUpdate: true, GroupLeave: true, GroupV2: true},
		{Base: BaseInboxType, ExpirationTimer: true},
		{Base: BaseInboxType, KeyExchange: KeyExchangeIdentityUpdate},
		{Base: BaseInboxType, Secure: true, Special: SpecialTypeGiftBadge},
		{Base: BaseSendingType, Secure: true, Push: true, Special: SpecialTypePaymentsNotification},
	}
	for _, c := range cases {
		mask, err := c.Mask()
		require.NoError(t, err)
		require.Equal(t, c, Parse(mask), "mask %x", mask)
	}
}

func TestWithSpecialRejectsConflicts(t *testing.T) {
	c := Classification{Base: BaseInboxType, Special: SpecialTypeGiftBadge}
	_, err := c.WithSpecial(SpecialTypeStoryReaction)
	require.ErrorIs(t, err, ErrAmbiguousSpecialType)

	// re-asserting the same special is fine
	same, err := c.WithSpecial(SpecialTypeGiftBadge)
	require.NoError(t, err)
	require.Equal(t, c, same)

	// claiming a special on an unclaimed classification is fine
	claimed, err := Classification{Base: BaseInboxType}.WithSpecial(SpecialTypePaymentsActivated)
	require.NoError(t, err)
	require.Equal(t, SpecialTypePaymentsActivated, claimed.Special)
}

func TestPredicates(t *testing.T) {
	inbox, err := Classification{Base: BaseInboxType, Secure: true, Push: true}.Mask()
	require.NoError(t, err)
	require.True(t, IsInbox(inbox))
	require.False(t, IsOutgoing(inbox))
	require.True(t, IsSecure(inbox))
	require.True(t, IsPush(inbox))

	for _, base := range []uint64{BaseOutboxType, BaseSendingType, BaseSentType, BaseSentFailedType} {
		mask, err := Classification{Base: base}.Mask()
		require.NoError(t, err)
		require.True(t, IsOutgoing(mask), "base %d", base)
		require.False(t, IsInbox(mask))
	}
	require.True(t, IsSentFailed(BaseSentFailedType))

	leave, err := Classification{Base: BaseInboxType, GroupUpdate: true, GroupLeave: true, GroupV2: true}.Mask()
	require.NoError(t, err)
	require.True(t, IsGroupV2Leave(leave))

	// a v1 leave or a non-leave group update is not a v2 leave
	v1leave, err := Classification{Base: BaseInboxType, GroupUpdate: true, GroupLeave: true}.Mask()
	require.NoError(t, err)
	require.False(t, IsGroupV2Leave(v1leave))

	identity, err := Classification{Base: BaseInboxType, KeyExchange: KeyExchangeIdentityUpdate}.Mask()
	require.NoError(t, err)
	require.True(t, IsIdentityUpdate(identity))

	story, err := Classification{Base: BaseInboxType}.WithSpecial(SpecialTypeStoryReaction)
	require.NoError(t, err)
	storyMask, err := story.Mask()
	require.NoError(t, err)
	require.True(t, IsStoryReaction(storyMask))
	require.False(t, IsGiftBadge(storyMask))
}

func TestWithBits(t *testing.T) {
	mask, err := Classification{Base: BaseSendingType, Secure: true, Push: true}.Mask()
	require.NoError(t, err)

	sent := WithBits(mask, BaseTypeMask, BaseSentType)
	require.Equal(t, BaseSentType, sent&BaseTypeMask)
	require.True(t, IsSecure(sent))
	require.True(t, IsPush(sent))
}

func TestOutgoingClause(t *testing.T) {
	require.Equal(t, "(type & 31) IN (21,23,22,24,25,26)", OutgoingClause("type"))
}
