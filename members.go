package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/imeyer/flowbridge/flow"
)

// MemberDirectory remembers the last email seen for each forum uid so replies
// that arrive without one can still be matched against invitations.
type MemberDirectory interface {
	flow.Directory
	RememberMember(ctx context.Context, uid, email string) error
}

var (
	_ MemberDirectory = (*PostgresStore)(nil)
	_ MemberDirectory = (*memoryMembers)(nil)
)

type memoryMembers struct {
	mu     sync.RWMutex
	emails map[string]string
}

func newMemoryMembers() *memoryMembers {
	return &memoryMembers{emails: map[string]string{}}
}

func (m *memoryMembers) RememberMember(_ context.Context, uid, email string) error {
	email = flow.NormalizeEmail(email)
	if uid == "" || email == "" {
		return nil
	}
	m.mu.Lock()
	m.emails[uid] = email
	m.mu.Unlock()
	return nil
}

func (m *memoryMembers) EmailFor(_ context.Context, uid string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emails[uid], nil
}

// rememberMember records uid's email and only logs a failure; the event is
// still processed.
func rememberMember(ctx context.Context, members MemberDirectory, logger *slog.Logger, uid, email string) {
	if email == "" {
		return
	}
	if err := members.RememberMember(ctx, uid, email); err != nil {
		logger.WarnContext(ctx, "failed to remember member",
			slog.String("uid", uid),
			slog.String("email_hash", hashEmail(email)),
			flow.Error(err))
	}
}
