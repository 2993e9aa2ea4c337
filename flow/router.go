package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type (
	// Directory resolves a user's contact email when an event lacks one.
	Directory interface {
		EmailFor(ctx context.Context, uid string) (string, error)
	}

	// Router classifies forum events and drives the registry, the invoker
	// and the webhook.
	Router struct {
		cfg      Config
		store    TopicStore
		registry *Registry
		locker   Locker
		exec     Executor
		notifier Notifier
		runner   Runner
		members  Directory
		logger   *slog.Logger

		replyGuards []guard
		topicGuards []guard
	}

	// guard returns a non-nil Outcome to stop evaluation.
	guard struct {
		name  string
		check func(context.Context, *evaluation) (*Outcome, error)
	}

	evaluation struct {
		reply  *Reply
		topic  *Topic
		cmd    Command
		cmdErr error
		email  string
	}
)

var (
	ErrOutOfScope    = errors.New("topic is outside the configured category")
	ErrInvalidFlowID = errors.New("invalid flow id")
)

func NewRouter(
	cfg Config,
	store TopicStore,
	locker Locker,
	exec Executor,
	notifier Notifier,
	runner Runner,
	members Directory,
	logger *slog.Logger,
) *Router {
	rt := &Router{
		cfg:      cfg,
		store:    store,
		registry: NewRegistry(store, logger),
		locker:   locker,
		exec:     exec,
		notifier: notifier,
		runner:   runner,
		members:  members,
		logger:   logger,
	}

	// order matters: the first guard to return an outcome wins
	rt.replyGuards = []guard{
		{"category", rt.checkReplyCategory},
		{"bot-author", rt.checkBotAuthor},
		{"opening-post", rt.checkOpeningPost},
		{"nested-reply", rt.checkNestedReply},
	}
	rt.topicGuards = []guard{
		{"topic-category", rt.checkTopicCategory},
		{"no-flow", rt.checkNoFlow},
		{"invite", rt.checkInvite},
		{"revoke", rt.checkRevoke},
		{"owner-reply", rt.checkOwnerReply},
		{"access", rt.checkAccess},
	}
	return rt
}

// OnTopicCreate records a new topic. A flow tag in the title links the flow
// once and for all; the returned title has the flow id masked.
func (rt *Router) OnTopicCreate(ctx context.Context, nt NewTopic) (LinkResult, error) {
	if !rt.cfg.InCategory(nt.CID) {
		rt.logger.DebugContext(ctx, "topic outside category", TopicID(nt.TID))
		return LinkResult{Title: nt.Title}, nil
	}

	unlock, err := rt.locker.Lock(ctx, nt.TID)
	if err != nil {
		return LinkResult{}, fmt.Errorf("failed to lock topic: %w", err)
	}
	defer unlock()

	flowID, found := ExtractFlowID(nt.Title)
	title := MaskFlowTitle(nt.Title, flowID)

	created, err := rt.store.CreateTopic(ctx, Topic{
		TID:      nt.TID,
		CID:      nt.CID,
		OwnerUID: nt.OwnerUID,
		FlowID:   flowID,
		Title:    title,
	})
	if err != nil {
		return LinkResult{}, fmt.Errorf("failed to create topic: %w", err)
	}
	if !created && found {
		if _, err := rt.store.SetFlowID(ctx, nt.TID, flowID, title); err != nil {
			return LinkResult{}, fmt.Errorf("failed to link flow: %w", err)
		}
	}

	t, err := rt.store.GetTopic(ctx, nt.TID)
	if err != nil {
		return LinkResult{}, fmt.Errorf("failed to load topic: %w", err)
	}

	res := LinkResult{InScope: true, Linked: t.HasFlow(), Title: t.Title, FlowID: t.FlowID}
	rt.logger.InfoContext(ctx, "topic recorded",
		TopicID(t.TID), slog.Bool("created", created), slog.Bool("linked", res.Linked))

	rt.notify(ctx, WebhookPayload{
		Event:  EventTopicCreate,
		TID:    t.TID,
		CID:    t.CID,
		UID:    t.OwnerUID,
		Title:  res.Title,
		FlowID: t.FlowID,
	})
	return res, nil
}

// OnPostSave classifies a reply and applies its effect.
func (rt *Router) OnPostSave(ctx context.Context, r Reply) (Outcome, error) {
	ev := &evaluation{reply: &r}
	ev.cmd, ev.cmdErr = ParseCommand(r.Content)

	if o, err := rt.evaluate(ctx, rt.replyGuards, ev); o != nil || err != nil {
		return rt.finish(ctx, ev, o, err)
	}

	unlock, err := rt.locker.Lock(ctx, r.TID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to lock topic: %w", err)
	}
	defer unlock()

	t, err := rt.store.GetTopic(ctx, r.TID)
	switch {
	case errors.Is(err, ErrTopicNotFound):
		return rt.finish(ctx, ev, ignored(ReasonNoFlow), nil)
	case err != nil:
		return Outcome{}, fmt.Errorf("failed to load topic: %w", err)
	}
	ev.topic = t

	if o, err := rt.evaluate(ctx, rt.topicGuards, ev); o != nil || err != nil {
		return rt.finish(ctx, ev, o, err)
	}

	o := &Outcome{Kind: FlowTriggered}
	req := RunRequest{
		FlowID:    t.FlowID,
		Input:     r.Content,
		TID:       t.TID,
		UserEmail: ev.email,
	}
	o.Queued = rt.submit(ctx, t.TID, func(ctx context.Context) {
		rt.runner.Run(ctx, req)
	})
	return rt.finish(ctx, ev, o, nil)
}

// LinkFlow attaches flowID to an existing topic on behalf of its owner. It
// reports false when the topic already had a flow.
func (rt *Router) LinkFlow(ctx context.Context, tid, actorUID, flowID string) (bool, error) {
	if !ValidFlowID(flowID) {
		return false, fmt.Errorf("%w: %q", ErrInvalidFlowID, flowID)
	}

	unlock, err := rt.locker.Lock(ctx, tid)
	if err != nil {
		return false, fmt.Errorf("failed to lock topic: %w", err)
	}
	defer unlock()

	t, err := rt.store.GetTopic(ctx, tid)
	if err != nil {
		return false, err
	}
	if !rt.cfg.InCategory(t.CID) {
		return false, ErrOutOfScope
	}
	if !t.IsOwner(actorUID) {
		return false, ErrNotOwner
	}

	linked, err := rt.store.SetFlowID(ctx, tid, flowID, MaskFlowTitle(t.Title, flowID))
	if err != nil {
		return false, fmt.Errorf("failed to link flow: %w", err)
	}
	rt.logger.InfoContext(ctx, "flow link requested",
		TopicID(tid), slog.Bool("linked", linked))
	return linked, nil
}

func (rt *Router) evaluate(ctx context.Context, guards []guard, ev *evaluation) (*Outcome, error) {
	for _, g := range guards {
		o, err := g.check(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.name, err)
		}
		if o != nil {
			return o, nil
		}
	}
	return nil, nil
}

func (rt *Router) finish(ctx context.Context, ev *evaluation, o *Outcome, err error) (Outcome, error) {
	if err != nil {
		return Outcome{}, err
	}
	rt.logger.InfoContext(ctx, "reply classified",
		TopicID(ev.reply.TID), PostID(ev.reply.PID),
		slog.String("outcome", o.String()))

	if o.Applied() {
		p := WebhookPayload{
			Event:   EventPostSave,
			TID:     ev.reply.TID,
			PID:     ev.reply.PID,
			CID:     ev.reply.CID,
			UID:     ev.reply.AuthorUID,
			Content: ev.reply.Content,
			Outcome: string(o.Kind),
		}
		if ev.topic != nil {
			p.CID = ev.topic.CID
			p.Title = ev.topic.Title
			p.FlowID = ev.topic.FlowID
			p.Content = MaskFlowID(p.Content, ev.topic.FlowID)
		}
		rt.notify(ctx, p)
	}
	return *o, nil
}

func (rt *Router) notify(ctx context.Context, p WebhookPayload) {
	rt.submit(ctx, p.TID, func(ctx context.Context) {
		rt.notifier.Notify(ctx, p)
	})
}

// submit hands fn to the executor with a context that outlives the request
// but keeps its values for tracing.
func (rt *Router) submit(ctx context.Context, key string, fn func(context.Context)) bool {
	detached := context.WithoutCancel(ctx)
	return rt.exec.Submit(key, func() { fn(detached) })
}

func (rt *Router) checkReplyCategory(_ context.Context, ev *evaluation) (*Outcome, error) {
	if ev.reply.CID != "" && !rt.cfg.InCategory(ev.reply.CID) {
		return ignored(ReasonOutOfScope), nil
	}
	return nil, nil
}

func (rt *Router) checkBotAuthor(_ context.Context, ev *evaluation) (*Outcome, error) {
	if rt.cfg.IsBot(ev.reply.AuthorUID) {
		return ignored(ReasonBotAuthor), nil
	}
	return nil, nil
}

func (rt *Router) checkOpeningPost(_ context.Context, ev *evaluation) (*Outcome, error) {
	if ev.reply.IsMainPost {
		return ignored(ReasonOpeningPost), nil
	}
	return nil, nil
}

func (rt *Router) checkNestedReply(_ context.Context, ev *evaluation) (*Outcome, error) {
	if ev.reply.IsNested() {
		return ignored(ReasonNestedReply), nil
	}
	return nil, nil
}

func (rt *Router) checkTopicCategory(_ context.Context, ev *evaluation) (*Outcome, error) {
	if !rt.cfg.InCategory(ev.topic.CID) {
		return ignored(ReasonOutOfScope), nil
	}
	return nil, nil
}

func (rt *Router) checkNoFlow(_ context.Context, ev *evaluation) (*Outcome, error) {
	if !ev.topic.HasFlow() {
		return ignored(ReasonNoFlow), nil
	}
	return nil, nil
}

func (rt *Router) checkInvite(ctx context.Context, ev *evaluation) (*Outcome, error) {
	if ev.cmd.Kind != CommandInvite {
		return nil, nil
	}
	return rt.applyCommand(ctx, ev, InviteApplied, rt.registry.Invite)
}

func (rt *Router) checkRevoke(ctx context.Context, ev *evaluation) (*Outcome, error) {
	if ev.cmd.Kind != CommandRevoke {
		return nil, nil
	}
	return rt.applyCommand(ctx, ev, RevokeApplied, rt.registry.Revoke)
}

func (rt *Router) applyCommand(
	ctx context.Context, ev *evaluation, kind OutcomeKind,
	apply func(context.Context, string, string, []string) (*Topic, error),
) (*Outcome, error) {
	if !ev.topic.IsOwner(ev.reply.AuthorUID) {
		return rt.denied(ReasonNotOwner), nil
	}
	if ev.cmdErr != nil {
		o := ignored(ReasonInvalidCommand)
		o.Err = ev.cmdErr
		return o, nil
	}

	t, err := apply(ctx, ev.topic.TID, ev.reply.AuthorUID, ev.cmd.Emails)
	switch {
	case errors.Is(err, ErrNotOwner):
		return rt.denied(ReasonNotOwner), nil
	case err != nil:
		return nil, err
	}
	ev.topic = t
	return &Outcome{Kind: kind, Emails: ev.cmd.Emails}, nil
}

func (rt *Router) checkOwnerReply(_ context.Context, ev *evaluation) (*Outcome, error) {
	if ev.topic.IsOwner(ev.reply.AuthorUID) {
		return ignored(ReasonOwnerReply), nil
	}
	return nil, nil
}

func (rt *Router) checkAccess(ctx context.Context, ev *evaluation) (*Outcome, error) {
	ev.email = rt.resolveEmail(ctx, ev.reply)
	ok, err := rt.registry.IsAllowed(ctx, ev.topic.TID, ev.reply.AuthorUID, ev.email)
	if err != nil {
		return nil, fmt.Errorf("failed to check access: %w", err)
	}
	if !ok {
		return rt.denied(ReasonNotAdmitted), nil
	}
	return nil, nil
}

func (rt *Router) denied(reason Reason) *Outcome {
	o := ignored(reason)
	o.Delete = rt.cfg.DeleteDenied
	return o
}

func (rt *Router) resolveEmail(ctx context.Context, r *Reply) string {
	if email := NormalizeEmail(r.AuthorEmail); email != "" || rt.members == nil {
		return email
	}
	email, err := rt.members.EmailFor(ctx, r.AuthorUID)
	if err != nil {
		rt.logger.WarnContext(ctx, "failed to resolve author email",
			PostID(r.PID), Error(err))
		return ""
	}
	return NormalizeEmail(email)
}
