package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Registry owns the invite and revoke sets of every topic and decides who may
// trigger a topic's flow.
type Registry struct {
	store  TopicStore
	logger *slog.Logger
}

var ErrNotOwner = errors.New("actor is not the topic owner")

func NewRegistry(store TopicStore, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Invite grants emails access to the topic's flow. Only the owner may invite;
// anyone else gets ErrNotOwner and nothing changes.
func (r *Registry) Invite(
	ctx context.Context, tid, actorUID string, emails []string,
) (*Topic, error) {
	if err := r.checkOwner(ctx, tid, actorUID); err != nil {
		return nil, err
	}
	t, err := r.store.AddInvites(ctx, tid, emails)
	if err != nil {
		return nil, fmt.Errorf("failed to invite: %w", err)
	}
	r.logger.InfoContext(ctx, "emails invited",
		TopicID(tid), slog.Int("count", len(emails)),
		slog.Int("invited", len(t.InvitedEmails)))
	return t, nil
}

// Revoke withdraws access from emails. Revocation beats invitation.
func (r *Registry) Revoke(
	ctx context.Context, tid, actorUID string, emails []string,
) (*Topic, error) {
	if err := r.checkOwner(ctx, tid, actorUID); err != nil {
		return nil, err
	}
	t, err := r.store.AddRevocations(ctx, tid, emails)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke: %w", err)
	}
	r.logger.InfoContext(ctx, "emails revoked",
		TopicID(tid), slog.Int("count", len(emails)),
		slog.Int("revoked", len(t.RevokedEmails)))
	return t, nil
}

// IsAllowed loads the topic and applies Admits.
func (r *Registry) IsAllowed(
	ctx context.Context, tid, actorUID, actorEmail string,
) (bool, error) {
	t, err := r.store.GetTopic(ctx, tid)
	if err != nil {
		return false, err
	}
	return Admits(t, actorUID, actorEmail), nil
}

// Admits decides admission: the owner always, a revoked email never, and
// anyone else only while the topic is public or they were invited.
func Admits(t *Topic, actorUID, actorEmail string) bool {
	switch {
	case t.IsOwner(actorUID):
		return true
	case ContainsEmail(t.RevokedEmails, actorEmail):
		return false
	case !t.IsPublic() && !ContainsEmail(t.InvitedEmails, actorEmail):
		return false
	default:
		return true
	}
}

func (r *Registry) checkOwner(ctx context.Context, tid, actorUID string) error {
	t, err := r.store.GetTopic(ctx, tid)
	if err != nil {
		return err
	}
	if !t.IsOwner(actorUID) {
		r.logger.WarnContext(ctx, "access change by non-owner ignored",
			TopicID(tid), slog.String("actor_uid", actorUID))
		return ErrNotOwner
	}
	return nil
}
