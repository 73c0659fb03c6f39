// Package ingest turns decrypted inbound events into message-store mutations. Each
// event is classified once, in a fixed priority order, and handled by exactly one
// branch. Antecedent-dependent events (reactions, retractions, story replies) whose
// target has not arrived yet are parked in a bounded cache and re-driven when it does.
package ingest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/veilchat/veil/config"
	"github.com/veilchat/veil/msgtype"
	"github.com/veilchat/veil/store"
	"go.uber.org/zap"
)

// GroupResolver answers membership questions for group conversations. Messages from
// non-members are dropped.
type GroupResolver interface {
	IsMember(group, member store.RecipientID) (bool, error)
}

// Notifier surfaces stored messages to the user. Called outside any transaction.
type Notifier interface {
	NotifyMessage(messageID store.MessageID, threadID store.ThreadID)
	NotifyReaction(messageID store.MessageID)
}

type noopGroups struct{}

func (noopGroups) IsMember(store.RecipientID, store.RecipientID) (bool, error) { return true, nil }

type noopNotifier struct{}

func (noopNotifier) NotifyMessage(store.MessageID, store.ThreadID) {}
func (noopNotifier) NotifyReaction(store.MessageID)                {}

type Pipeline struct {
	log      *zap.SugaredLogger
	store    *store.Manager
	groups   GroupResolver
	notifier Notifier
	early    *earlyMessageCache
}

type PipelineOption func(*Pipeline)

func WithGroupResolver(g GroupResolver) PipelineOption {
	return func(p *Pipeline) {
		p.groups = g
	}
}

func WithNotifier(n Notifier) PipelineOption {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

func NewPipeline(c *config.Config, manager *store.Manager, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		log:      c.Logger("ingest"),
		store:    manager,
		groups:   noopGroups{},
		notifier: noopNotifier{},
		early:    newEarlyMessageCache(c.EarlyMessageMaxSize),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process stores one event. Duplicates and missing antecedents are absorbed here;
// only storage failures propagate, so callers can retry the envelope.
func (p *Pipeline) Process(ev *Event) error {
	if ev.ServerGUID != "" {
		u, err := uuid.Parse(ev.ServerGUID)
		if err != nil {
			p.log.Warnf("discarding malformed server guid %q", ev.ServerGUID)
			ev.ServerGUID = ""
		} else {
			ev.ServerGUID = u.String()
		}
	}
	if ev.IsGroup {
		member, err := p.groups.IsMember(ev.Conversation, ev.From)
		if err != nil {
			return fmt.Errorf("ingest: error resolving membership: %w", err)
		}
		if !member {
			p.log.Warnf("dropping message from non-member %d of group %d", ev.From, ev.Conversation)
			return nil
		}
	}
	if ev.EditTargetSent != 0 {
		return p.handleEdit(ev)
	}
	switch {
	case ev.Invalid:
		return p.handleInvalid(ev)
	case ev.EndSession:
		return p.handleEndSession(ev)
	case ev.ExpirationUpdate:
		return p.handleExpirationUpdate(ev)
	case ev.Reaction != nil && ev.StoryContext != nil:
		return p.handleStoryReaction(ev)
	case ev.Reaction != nil:
		return p.handleReaction(ev)
	case ev.RemoteDelete != nil:
		return p.handleRemoteDelete(ev)
	case ev.PaymentActivation != nil:
		return p.handlePaymentActivation(ev)
	case ev.Payment != nil:
		return p.handlePayment(ev)
	case ev.StoryContext != nil:
		return p.handleStoryReply(ev)
	case ev.GiftBadge != nil:
		return p.handleGiftBadge(ev)
	case ev.hasMedia():
		return p.handleMedia(ev)
	case ev.Body != "":
		return p.handleText(ev)
	case ev.GroupCallUpdate != nil:
		return p.handleGroupCall(ev)
	default:
		p.log.Debugf("ignoring empty message from %d sent=%d", ev.From, ev.SentAt)
		return nil
	}
}

// Retry re-drives events parked on a message that has since arrived.
func (p *Pipeline) Retry(author store.RecipientID, sentAt uint64) error {
	for _, ev := range p.early.remove(author, sentAt) {
		if err := p.Process(ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) incoming(ev *Event, cl msgtype.Classification) *store.IncomingMessage {
	return &store.IncomingMessage{
		From:           ev.From,
		FromDeviceID:   ev.FromDeviceID,
		Conversation:   ev.Conversation,
		IsGroup:        ev.IsGroup,
		SentAt:         ev.SentAt,
		ServerAt:       ev.ServerAt,
		ReceivedAt:     ev.ReceivedAt,
		Type:           cl,
		Body:           ev.Body,
		ExpiresIn:      ev.ExpiresIn,
		Unidentified:   ev.Unidentified,
		ViewOnce:       ev.ViewOnce,
		ServerGUID:     ev.ServerGUID,
		Quote:          ev.Quote,
		Mentions:       ev.Mentions,
		BodyRanges:     ev.BodyRanges,
		SharedContacts: ev.SharedContacts,
		LinkPreviews:   ev.LinkPreviews,
		Attachments:    ev.Attachments,
	}
}

func baseClassification(ev *Event) msgtype.Classification {
	return msgtype.Classification{
		Base:   msgtype.BaseInboxType,
		Secure: true,
		Push:   true,
	}
}

// finishInsert runs the shared post-insert path: surface the message, then re-drive
// anything that was waiting for it.
func (p *Pipeline) finishInsert(ev *Event, result *store.InsertResult, notify bool) error {
	if result.Duplicate {
		return nil
	}
	if notify {
		p.notifier.NotifyMessage(result.MessageID, result.ThreadID)
	}
	return p.Retry(ev.From, ev.SentAt)
}

func (p *Pipeline) handleInvalid(ev *Event) error {
	cl := baseClassification(ev)
	cl.Base = msgtype.InvalidType
	msg := p.incoming(ev, cl)
	msg.Body = ""
	result, err := p.store.InsertIncoming(msg)
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleEndSession(ev *Event) error {
	cl := baseClassification(ev)
	cl.EndSession = true
	result, err := p.store.InsertIncoming(p.incoming(ev, cl))
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, false)
}

// handleExpirationUpdate stores an explicit timer change and moves the thread's
// default timer with it.
func (p *Pipeline) handleExpirationUpdate(ev *Event) error {
	cl := baseClassification(ev)
	cl.ExpirationTimer = true
	if ev.IsGroup {
		cl.GroupUpdate = true
	}
	msg := p.incoming(ev, cl)
	msg.Body = ""
	result, err := p.store.InsertIncoming(msg)
	if err != nil {
		return err
	}
	if result.Duplicate {
		return nil
	}
	return p.store.SetThreadExpiresIn(result.ThreadID, ev.ExpiresIn)
}

func (p *Pipeline) handleStoryReaction(ev *Event) error {
	ctx := ev.StoryContext
	storyID, err := p.store.StoryID(ctx.Author, ctx.SentAt)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Debugf("parking story reaction for sent=%d from=%d", ctx.SentAt, ctx.Author)
		p.early.add(ctx.Author, ctx.SentAt, ev)
		return nil
	} else if err != nil {
		return err
	}
	cl, err := baseClassification(ev).WithSpecial(msgtype.SpecialTypeStoryReaction)
	if err != nil {
		return err
	}
	msg := p.incoming(ev, cl)
	msg.Body = ev.Reaction.Emoji
	if ctx.IsGroup {
		msg.ParentStoryID = store.GroupReply(storyID)
	} else {
		msg.ParentStoryID = store.DirectReply(storyID)
	}
	result, err := p.store.InsertIncoming(msg)
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleReaction(ev *Event) error {
	r := ev.Reaction
	target, err := p.store.MessageFor(r.TargetSent, r.TargetAuthor)
	if errors.Is(err, store.ErrNotFound) {
		if r.Remove {
			return nil
		}
		p.log.Debugf("parking reaction for sent=%d from=%d", r.TargetSent, r.TargetAuthor)
		p.early.add(r.TargetAuthor, r.TargetSent, ev)
		return nil
	} else if err != nil {
		return err
	}
	if target.RemoteDeleted {
		return nil
	}
	if r.Remove {
		return p.store.RemoveReaction(target.ID, ev.From)
	}
	if err := p.store.AddReaction(target.ID, &store.Reaction{
		Author:     ev.From,
		Emoji:      r.Emoji,
		SentAt:     ev.SentAt,
		ReceivedAt: ev.ReceivedAt,
	}); err != nil {
		return err
	}
	p.notifier.NotifyReaction(target.ID)
	return nil
}

func (p *Pipeline) handleRemoteDelete(ev *Event) error {
	rd := ev.RemoteDelete
	// only the original author may retract
	target, err := p.store.MessageFor(rd.TargetSent, ev.From)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Debugf("parking retraction for sent=%d from=%d", rd.TargetSent, ev.From)
		p.early.add(ev.From, rd.TargetSent, ev)
		return nil
	} else if err != nil {
		return err
	}
	_, err = p.store.MarkRemoteDeleted(target.ID)
	return err
}

func (p *Pipeline) handlePaymentActivation(ev *Event) error {
	special := msgtype.SpecialTypePaymentsActivateRequest
	if ev.PaymentActivation.Activated {
		special = msgtype.SpecialTypePaymentsActivated
	}
	cl, err := baseClassification(ev).WithSpecial(special)
	if err != nil {
		return err
	}
	msg := p.incoming(ev, cl)
	msg.Body = ""
	result, err := p.store.InsertIncoming(msg)
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, false)
}

func (p *Pipeline) handlePayment(ev *Event) error {
	cl, err := baseClassification(ev).WithSpecial(msgtype.SpecialTypePaymentsNotification)
	if err != nil {
		return err
	}
	body, err := store.EncodeBodyPayload(ev.Payment)
	if err != nil {
		return fmt.Errorf("ingest: error encoding payment: %w", err)
	}
	msg := p.incoming(ev, cl)
	msg.Body = body
	result, err := p.store.InsertIncoming(msg)
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleStoryReply(ev *Event) error {
	ctx := ev.StoryContext
	storyID, err := p.store.StoryID(ctx.Author, ctx.SentAt)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Debugf("parking story reply for sent=%d from=%d", ctx.SentAt, ctx.Author)
		p.early.add(ctx.Author, ctx.SentAt, ev)
		return nil
	} else if err != nil {
		return err
	}
	msg := p.incoming(ev, baseClassification(ev))
	if ctx.IsGroup {
		msg.ParentStoryID = store.GroupReply(storyID)
	} else {
		msg.ParentStoryID = store.DirectReply(storyID)
	}
	result, err := p.store.InsertIncoming(msg)
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleGiftBadge(ev *Event) error {
	cl, err := baseClassification(ev).WithSpecial(msgtype.SpecialTypeGiftBadge)
	if err != nil {
		return err
	}
	body, err := store.EncodeBodyPayload(ev.GiftBadge)
	if err != nil {
		return fmt.Errorf("ingest: error encoding gift badge: %w", err)
	}
	msg := p.incoming(ev, cl)
	msg.Body = body
	result, err := p.store.InsertIncoming(msg)
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleMedia(ev *Event) error {
	if err := p.reconcileTimer(ev); err != nil {
		return err
	}
	result, err := p.store.InsertIncoming(p.incoming(ev, baseClassification(ev)))
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleText(ev *Event) error {
	if err := p.reconcileTimer(ev); err != nil {
		return err
	}
	result, err := p.store.InsertIncoming(p.incoming(ev, baseClassification(ev)))
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleGroupCall(ev *Event) error {
	result, err := p.store.InsertOrUpdateGroupCall(ev.Conversation, ev.IsGroup, ev.From, ev.SentAt, ev.GroupCallUpdate)
	if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

func (p *Pipeline) handleEdit(ev *Event) error {
	msg := p.incoming(ev, baseClassification(ev))
	result, err := p.store.InsertIncomingEdit(ev.EditTargetSent, msg)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Debugf("parking edit for sent=%d from=%d", ev.EditTargetSent, ev.From)
		p.early.add(ev.From, ev.EditTargetSent, ev)
		return nil
	} else if errors.Is(err, store.ErrInvalidEditTarget) {
		p.log.Warnf("dropping edit of ineligible message sent=%d from=%d", ev.EditTargetSent, ev.From)
		return nil
	} else if err != nil {
		return err
	}
	return p.finishInsert(ev, result, true)
}

// reconcileTimer brings the thread's default disappearing-message timer in line with
// the timer the message was sent under. The synthetic timer-change row is dated one
// tick before the message so it always sorts ahead of it.
func (p *Pipeline) reconcileTimer(ev *Event) error {
	if ev.StoryContext != nil {
		return nil
	}
	thread, err := p.store.ThreadFor(ev.Conversation, ev.IsGroup)
	if err != nil {
		return err
	}
	if thread.ExpiresIn == ev.ExpiresIn {
		return nil
	}
	cl := baseClassification(ev)
	cl.ExpirationTimer = true
	if ev.IsGroup {
		cl.GroupUpdate = true
	}
	update := &store.IncomingMessage{
		From:         ev.From,
		FromDeviceID: ev.FromDeviceID,
		Conversation: ev.Conversation,
		IsGroup:      ev.IsGroup,
		SentAt:       ev.SentAt - 1,
		ServerAt:     ev.ServerAt,
		ReceivedAt:   ev.ReceivedAt,
		Type:         cl,
		ExpiresIn:    ev.ExpiresIn,
		Unidentified: ev.Unidentified,
	}
	result, err := p.store.InsertIncoming(update)
	if err != nil {
		return err
	}
	if result.Duplicate {
		return nil
	}
	return p.store.SetThreadExpiresIn(result.ThreadID, ev.ExpiresIn)
}
