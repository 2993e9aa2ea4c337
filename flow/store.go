package flow

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// TopicStore persists topics. Every mutation must be atomic with respect to
// concurrent mutations of the same topic.
type TopicStore interface {
	// CreateTopic inserts t unless a topic with the same TID exists. It
	// reports whether a row was written.
	CreateTopic(ctx context.Context, t Topic) (bool, error)
	GetTopic(ctx context.Context, tid string) (*Topic, error)
	// SetFlowID links flowID and stores the masked title only while the
	// topic has no flow. It reports whether the link was made.
	SetFlowID(ctx context.Context, tid, flowID, title string) (bool, error)
	// AddInvites adds emails to the invited set and removes them from the
	// revoked set in one step.
	AddInvites(ctx context.Context, tid string, emails []string) (*Topic, error)
	// AddRevocations is the mirror image of AddInvites.
	AddRevocations(ctx context.Context, tid string, emails []string) (*Topic, error)
}

var ErrTopicNotFound = errors.New("topic not found")

// MemoryStore is a TopicStore held in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	topics map[string]*Topic
	now    func() time.Time
}

var _ TopicStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics: map[string]*Topic{},
		now:    time.Now,
	}
}

func (s *MemoryStore) CreateTopic(_ context.Context, t Topic) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[t.TID]; ok {
		return false, nil
	}
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	t.InvitedEmails = AddEmails(nil, t.InvitedEmails...)
	t.RevokedEmails = RemoveEmails(AddEmails(nil, t.RevokedEmails...), t.InvitedEmails...)
	s.topics[t.TID] = &t
	return true, nil
}

func (s *MemoryStore) GetTopic(_ context.Context, tid string) (*Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[tid]
	if !ok {
		return nil, ErrTopicNotFound
	}
	return cloneTopic(t), nil
}

func (s *MemoryStore) SetFlowID(
	_ context.Context, tid, flowID, title string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[tid]
	if !ok {
		return false, ErrTopicNotFound
	}
	if t.HasFlow() {
		return false, nil
	}
	t.FlowID = flowID
	t.Title = title
	t.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) AddInvites(
	_ context.Context, tid string, emails []string,
) (*Topic, error) {
	return s.update(tid, func(t *Topic) {
		t.InvitedEmails = AddEmails(t.InvitedEmails, emails...)
		t.RevokedEmails = RemoveEmails(t.RevokedEmails, emails...)
	})
}

func (s *MemoryStore) AddRevocations(
	_ context.Context, tid string, emails []string,
) (*Topic, error) {
	return s.update(tid, func(t *Topic) {
		t.RevokedEmails = AddEmails(t.RevokedEmails, emails...)
		t.InvitedEmails = RemoveEmails(t.InvitedEmails, emails...)
	})
}

func (s *MemoryStore) update(tid string, fn func(*Topic)) (*Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[tid]
	if !ok {
		return nil, ErrTopicNotFound
	}
	fn(t)
	t.UpdatedAt = s.now()
	return cloneTopic(t), nil
}

func cloneTopic(t *Topic) *Topic {
	res := *t
	res.InvitedEmails = slices.Clone(t.InvitedEmails)
	res.RevokedEmails = slices.Clone(t.RevokedEmails)
	return &res
}
