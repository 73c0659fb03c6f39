// Package msgtype encodes a message's semantic kind into a single 64-bit mask. The low
// five bits hold a mutually-exclusive base type, higher bits hold orthogonal attributes,
// and a dedicated field holds a mutually-exclusive special subtype. The mask layout is
// the persisted wire format; Classification is the parsed in-memory form.
package msgtype

import (
	"errors"
	"fmt"
	"strings"
)

var ErrAmbiguousSpecialType = errors.New("msgtype: ambiguous special type")

const (
	BaseTypeMask uint64 = 0x1F

	// system base types
	JoinedType      uint64 = 4
	UnsupportedType uint64 = 5
	InvalidType     uint64 = 6
	ProfileChange   uint64 = 7
	GroupCallType   uint64 = 12
	BadDecryptType  uint64 = 13
	ChangeNumber    uint64 = 14
	ThreadMergeType uint64 = 16

	// conversation base types
	BaseInboxType               uint64 = 20
	BaseOutboxType              uint64 = 21
	BaseSendingType             uint64 = 22
	BaseSentType                uint64 = 23
	BaseSentFailedType          uint64 = 24
	BasePendingSecureFallback   uint64 = 25
	BasePendingInsecureFallback uint64 = 26
	BaseDraftType               uint64 = 27

	KeyExchangeBit              uint64 = 0x8000
	KeyExchangeIdentityVerified uint64 = 0x4000
	KeyExchangeIdentityDefault  uint64 = 0x2000
	KeyExchangeCorrupted        uint64 = 0x1000
	KeyExchangeInvalidVersion   uint64 = 0x800
	KeyExchangeBundle           uint64 = 0x400
	KeyExchangeIdentityUpdate   uint64 = 0x200
	KeyExchangeMask             uint64 = 0xFF00

	SecureMessageBit uint64 = 0x800000
	EndSessionBit    uint64 = 0x400000
	PushMessageBit   uint64 = 0x200000

	GroupUpdateBit           uint64 = 0x10000
	GroupLeaveBit            uint64 = 0x20000
	ExpirationTimerUpdateBit uint64 = 0x40000
	GroupV2Bit               uint64 = 0x80000
	GroupV2LeaveBits                = GroupV2Bit | GroupLeaveBit | GroupUpdateBit

	SpecialTypesMask                   uint64 = 0xF00000000
	SpecialTypeStoryReaction           uint64 = 0x100000000
	SpecialTypeGiftBadge               uint64 = 0x200000000
	SpecialTypePaymentsNotification    uint64 = 0x300000000
	SpecialTypePaymentsActivateRequest uint64 = 0x400000000
	SpecialTypePaymentsActivated       uint64 = 0x500000000
)

// OutgoingTypes is the set of base types that count as outgoing. Membership checks go
// through IsOutgoing/OutgoingClause, never hand-rolled comparisons.
var OutgoingTypes = []uint64{
	BaseOutboxType,
	BaseSentType,
	BaseSendingType,
	BaseSentFailedType,
	BasePendingSecureFallback,
	BasePendingInsecureFallback,
}

// Classification is the parsed form of a type mask.
type Classification struct {
	Base            uint64
	Secure          bool
	Push            bool
	EndSession      bool
	KeyExchange     uint64
	GroupUpdate     bool
	GroupLeave      bool
	GroupV2         bool
	ExpirationTimer bool
	Special         uint64
}

// Mask encodes the classification back into its persisted form. Claiming more than one
// special subtype is a protocol error.
func (c Classification) Mask() (uint64, error) {
	if c.Special != 0 && c.Special&^SpecialTypesMask != 0 {
		return 0, fmt.Errorf("msgtype: special type %x outside special field", c.Special)
	}

	mask := c.Base & BaseTypeMask
	mask |= c.KeyExchange & KeyExchangeMask
	if c.Secure {
		mask |= SecureMessageBit
	}
	if c.Push {
		mask |= PushMessageBit
	}
	if c.EndSession {
		mask |= EndSessionBit
	}
	if c.GroupUpdate {
		mask |= GroupUpdateBit
	}
	if c.GroupLeave {
		mask |= GroupLeaveBit
	}
	if c.GroupV2 {
		mask |= GroupV2Bit
	}
	if c.ExpirationTimer {
		mask |= ExpirationTimerUpdateBit
	}
	mask |= c.Special
	return mask, nil
}

// WithSpecial sets the special subtype, failing if a different one is already claimed.
func (c Classification) WithSpecial(special uint64) (Classification, error) {
	if c.Special != 0 && c.Special != special {
		return c, ErrAmbiguousSpecialType
	}
	c.Special = special
	return c, nil
}

func Parse(mask uint64) Classification {
	return Classification{
		Base:            mask & BaseTypeMask,
		Secure:          mask&SecureMessageBit != 0,
		Push:            mask&PushMessageBit != 0,
		EndSession:      mask&EndSessionBit != 0,
		KeyExchange:     mask & KeyExchangeMask,
		GroupUpdate:     mask&GroupUpdateBit != 0,
		GroupLeave:      mask&GroupLeaveBit != 0,
		GroupV2:         mask&GroupV2Bit != 0,
		ExpirationTimer: mask&ExpirationTimerUpdateBit != 0,
		Special:         mask & SpecialTypesMask,
	}
}

// WithBits applies a masked update, clearing clear then setting set. Updates to stored
// masks always go through this so base-type bits and attribute bits never contaminate
// each other.
func WithBits(mask, clear, set uint64) uint64 {
	return (mask &^ clear) | set
}

func IsInbox(mask uint64) bool {
	return mask&BaseTypeMask == BaseInboxType
}

func IsOutgoing(mask uint64) bool {
	base := mask & BaseTypeMask
	for _, t := range OutgoingTypes {
		if base == t {
			return true
		}
	}
	return false
}

func IsSentFailed(mask uint64) bool {
	return mask&BaseTypeMask == BaseSentFailedType
}

func IsSecure(mask uint64) bool {
	return mask&SecureMessageBit != 0
}

func IsPush(mask uint64) bool {
	return mask&PushMessageBit != 0
}

func IsEndSession(mask uint64) bool {
	return mask&EndSessionBit != 0
}

func IsIdentityUpdate(mask uint64) bool {
	return mask&KeyExchangeIdentityUpdate != 0
}

func IsIdentityVerified(mask uint64) bool {
	return mask&KeyExchangeIdentityVerified != 0
}

func IsIdentityDefault(mask uint64) bool {
	return mask&KeyExchangeIdentityDefault != 0
}

func IsGroupUpdate(mask uint64) bool {
	return mask&GroupUpdateBit != 0
}

// IsGroupV2Leave reports a group-v2 leave-only update, the quintessential silent kind.
func IsGroupV2Leave(mask uint64) bool {
	return mask&GroupV2LeaveBits == GroupV2LeaveBits
}

func IsExpirationTimerUpdate(mask uint64) bool {
	return mask&ExpirationTimerUpdateBit != 0
}

func IsStoryReaction(mask uint64) bool {
	return mask&SpecialTypesMask == SpecialTypeStoryReaction
}

func IsGiftBadge(mask uint64) bool {
	return mask&SpecialTypesMask == SpecialTypeGiftBadge
}

func IsPaymentsNotification(mask uint64) bool {
	return mask&SpecialTypesMask == SpecialTypePaymentsNotification
}

func IsPaymentsActivateRequest(mask uint64) bool {
	return mask&SpecialTypesMask == SpecialTypePaymentsActivateRequest
}

func IsPaymentsActivated(mask uint64) bool {
	return mask&SpecialTypesMask == SpecialTypePaymentsActivated
}

func IsGroupCall(mask uint64) bool {
	return mask&BaseTypeMask == GroupCallType
}

// OutgoingClause builds the SQL membership test for outgoing base types against the
// named type column.
func OutgoingClause(column string) string {
	parts := make([]string, 0, len(OutgoingTypes))
	for _, t := range OutgoingTypes {
		parts = append(parts, fmt.Sprintf("%d", t))
	}
	return fmt.Sprintf("(%s & %d) IN (%s)", column, BaseTypeMask, strings.Join(parts, ","))
}

// NotGroupV2LeaveClause filters out group-v2 leave-only updates.
func NotGroupV2LeaveClause(column string) string {
	return fmt.Sprintf("%s & %d != %d", column, GroupV2LeaveBits, GroupV2LeaveBits)
}
