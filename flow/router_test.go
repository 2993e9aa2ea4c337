package flow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (n *recordingNotifier) Notify(_ context.Context, p WebhookPayload) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return true
}

type recordingRunner struct {
	mu   sync.Mutex
	runs []RunRequest
}

func (r *recordingRunner) Run(_ context.Context, req RunRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, req)
	return true
}

type mapDirectory map[string]string

func (d mapDirectory) EmailFor(_ context.Context, uid string) (string, error) {
	if email, ok := d[uid]; ok {
		return email, nil
	}
	return "", errors.New("unknown member")
}

type brokenStore struct {
	*MemoryStore
}

func (brokenStore) GetTopic(context.Context, string) (*Topic, error) {
	return nil, errors.New("connection reset")
}

// lateFailStore serves the first ok reads and fails the rest.
type lateFailStore struct {
	*MemoryStore
	ok int
}

func (s *lateFailStore) GetTopic(ctx context.Context, tid string) (*Topic, error) {
	if s.ok == 0 {
		return nil, errors.New("connection reset")
	}
	s.ok--
	return s.MemoryStore.GetTopic(ctx, tid)
}

type routerFixture struct {
	router   *Router
	store    *MemoryStore
	notifier *recordingNotifier
	runner   *recordingRunner
}

func newRouterFixture(t *testing.T, cfg Config, members Directory) *routerFixture {
	t.Helper()
	f := &routerFixture{
		store:    NewMemoryStore(),
		notifier: &recordingNotifier{},
		runner:   &recordingRunner{},
	}
	f.router = NewRouter(cfg, f.store, NewKeyedMutex(), Inline{},
		f.notifier, f.runner, members, newTestLogger())
	return f
}

func routerConfig() Config {
	cfg := NewDefaultConfig()
	cfg.BotUID = "99"
	cfg.CategoryID = "5"
	return cfg
}

func (f *routerFixture) reply(t *testing.T, uid, email, content string) Outcome {
	t.Helper()
	o, err := f.router.OnPostSave(context.Background(), Reply{
		PID: "p-" + uid, TID: "10", CID: "5",
		AuthorUID: uid, AuthorEmail: email, Content: content,
	})
	require.NoError(t, err)
	return o
}

func TestRouterTopicCreate(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, routerConfig(), nil)

	res, err := f.router.OnTopicCreate(ctx, NewTopic{
		TID: "10", CID: "5", OwnerUID: "1", Title: "Need help flowId=fp_42",
	})
	require.NoError(t, err)
	assert.True(t, res.InScope)
	assert.True(t, res.Linked)
	assert.Equal(t, "fp_42", res.FlowID)
	assert.Equal(t, "Need help ********", res.Title)

	topic, err := f.store.GetTopic(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, "fp_42", topic.FlowID)
	assert.Equal(t, "1", topic.OwnerUID)
	assert.Empty(t, topic.InvitedEmails)
	assert.Empty(t, topic.RevokedEmails)

	require.Len(t, f.notifier.payloads, 1)
	assert.Equal(t, EventTopicCreate, f.notifier.payloads[0].Event)
	assert.Equal(t, "fp_42", f.notifier.payloads[0].FlowID)
	assert.NotContains(t, f.notifier.payloads[0].Title, "fp_42")

	res, err = f.router.OnTopicCreate(ctx, NewTopic{
		TID: "10", CID: "5", OwnerUID: "1", Title: "Need help flowId=other",
	})
	require.NoError(t, err)
	assert.True(t, res.Linked)

	topic, err = f.store.GetTopic(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, "fp_42", topic.FlowID, "flow id is write-once")
}

func TestRouterTopicCreateWithoutFlow(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, routerConfig(), nil)

	res, err := f.router.OnTopicCreate(ctx, NewTopic{
		TID: "10", CID: "5", OwnerUID: "1", Title: "Need help",
	})
	require.NoError(t, err)
	assert.True(t, res.InScope)
	assert.False(t, res.Linked)
	assert.Equal(t, "Need help", res.Title)

	o := f.reply(t, "2", "a@x.com", "hello")
	assert.Equal(t, Outcome{Kind: Ignored, Reason: ReasonNoFlow}, o)
}

func TestRouterTopicCreateOutOfCategory(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, routerConfig(), nil)

	res, err := f.router.OnTopicCreate(ctx, NewTopic{
		TID: "10", CID: "6", OwnerUID: "1", Title: "flow=fp_42",
	})
	require.NoError(t, err)
	assert.False(t, res.InScope)
	assert.Equal(t, "flow=fp_42", res.Title)

	_, err = f.store.GetTopic(ctx, "10")
	assert.ErrorIs(t, err, ErrTopicNotFound)
	assert.Empty(t, f.notifier.payloads)
}

func TestRouterInviteScenario(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, routerConfig(), nil)
	_, err := f.router.OnTopicCreate(ctx, NewTopic{
		TID: "10", CID: "5", OwnerUID: "1", Title: "Need help flowId=fp_42",
	})
	require.NoError(t, err)

	o := f.reply(t, "1", "owner@x.com", "/invite alice@x.com, bob@y.com")
	assert.Equal(t, InviteApplied, o.Kind)
	assert.Equal(t, []string{"alice@x.com", "bob@y.com"}, o.Emails)

	o = f.reply(t, "3", "carol@z.com", "run it for me")
	assert.Equal(t, Ignored, o.Kind)
	assert.Equal(t, ReasonNotAdmitted, o.Reason)
	assert.Empty(t, f.runner.runs)

	o = f.reply(t, "2", "Alice@x.com", "please summarize")
	assert.Equal(t, FlowTriggered, o.Kind)
	assert.True(t, o.Queued)
	require.Len(t, f.runner.runs, 1)
	assert.Equal(t, RunRequest{
		FlowID: "fp_42", Input: "please summarize", TID: "10", UserEmail: "alice@x.com",
	}, f.runner.runs[0])

	o = f.reply(t, "1", "owner@x.com", "/revoke alice@x.com")
	assert.Equal(t, RevokeApplied, o.Kind)

	o = f.reply(t, "2", "alice@x.com", "again please")
	assert.Equal(t, ReasonNotAdmitted, o.Reason)

	o = f.reply(t, "4", "bob@y.com", "me too")
	assert.Equal(t, FlowTriggered, o.Kind)
	require.Len(t, f.runner.runs, 2)

	topic, err := f.store.GetTopic(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@y.com"}, topic.InvitedEmails)
	assert.Equal(t, []string{"alice@x.com"}, topic.RevokedEmails)

	// topic.create plus one post.save per applied outcome
	var events []EventType
	for _, p := range f.notifier.payloads {
		events = append(events, p.Event)
		assert.NotContains(t, p.Title, "fp_42")
	}
	assert.Equal(t, []EventType{
		EventTopicCreate,
		EventPostSave, EventPostSave, EventPostSave, EventPostSave,
	}, events)
}

func TestRouterGuards(t *testing.T) {
	cfg := routerConfig()
	cfg.DeleteDenied = true

	tests := []struct {
		name  string
		reply Reply
		want  Outcome
	}{
		{
			name:  "other category",
			reply: Reply{TID: "10", CID: "6", AuthorUID: "2", Content: "hi"},
			want:  Outcome{Kind: Ignored, Reason: ReasonOutOfScope},
		},
		{
			name:  "bot author",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "99", Content: "done"},
			want:  Outcome{Kind: Ignored, Reason: ReasonBotAuthor},
		},
		{
			name:  "opening post",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "1", IsMainPost: true, Content: "flow=fp_42"},
			want:  Outcome{Kind: Ignored, Reason: ReasonOpeningPost},
		},
		{
			name:  "nested reply",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "2", InReplyToPID: "7", Content: "hi"},
			want:  Outcome{Kind: Ignored, Reason: ReasonNestedReply},
		},
		{
			name:  "nested reply by owner with command",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "1", InReplyToPID: "7", Content: "/invite a@x.com"},
			want:  Outcome{Kind: Ignored, Reason: ReasonNestedReply},
		},
		{
			name:  "unknown topic",
			reply: Reply{TID: "404", CID: "5", AuthorUID: "2", Content: "hi"},
			want:  Outcome{Kind: Ignored, Reason: ReasonNoFlow},
		},
		{
			name:  "invite by non-owner",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "2", Content: "/invite mallory@x.com"},
			want:  Outcome{Kind: Ignored, Reason: ReasonNotOwner, Delete: true},
		},
		{
			name:  "revoke by non-owner",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "2", Content: "/revoke a@x.com"},
			want:  Outcome{Kind: Ignored, Reason: ReasonNotOwner, Delete: true},
		},
		{
			name:  "owner reply",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "1", Content: "thanks all"},
			want:  Outcome{Kind: Ignored, Reason: ReasonOwnerReply},
		},
		{
			name:  "nested reply marker zero is top level",
			reply: Reply{TID: "10", CID: "5", AuthorUID: "2", AuthorEmail: "a@x.com", InReplyToPID: "0", Content: "go"},
			want:  Outcome{Kind: FlowTriggered, Queued: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, cfg, nil)
			seedTopic(t, f.store, Topic{TID: "10", CID: "5", OwnerUID: "1", FlowID: "fp_42"})

			got, err := f.router.OnPostSave(context.Background(), tt.reply)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			if tt.want.Kind != FlowTriggered {
				assert.Empty(t, f.runner.runs)
			}
		})
	}
}

func TestRouterInvalidCommand(t *testing.T) {
	f := newRouterFixture(t, routerConfig(), nil)
	seedTopic(t, f.store, Topic{TID: "10", CID: "5", OwnerUID: "1", FlowID: "fp_42"})

	o := f.reply(t, "1", "", "/invite alice@x.com, nope")
	assert.Equal(t, Ignored, o.Kind)
	assert.Equal(t, ReasonInvalidCommand, o.Reason)
	assert.ErrorIs(t, o.Err, ErrInvalidEmail)
	assert.False(t, o.Delete)

	topic, err := f.store.GetTopic(context.Background(), "10")
	require.NoError(t, err)
	assert.Empty(t, topic.InvitedEmails, "nothing applied")
}

func TestRouterResolvesEmail(t *testing.T) {
	f := newRouterFixture(t, routerConfig(), mapDirectory{"2": "Alice@X.com"})
	seedTopic(t, f.store, Topic{
		TID: "10", CID: "5", OwnerUID: "1", FlowID: "fp_42",
		InvitedEmails: []string{"alice@x.com"},
	})

	o := f.reply(t, "2", "", "go")
	assert.Equal(t, FlowTriggered, o.Kind)
	require.Len(t, f.runner.runs, 1)
	assert.Equal(t, "alice@x.com", f.runner.runs[0].UserEmail)

	o = f.reply(t, "3", "", "go")
	assert.Equal(t, ReasonNotAdmitted, o.Reason, "unresolvable email on a private topic")
}

func TestRouterStoreError(t *testing.T) {
	store := brokenStore{NewMemoryStore()}
	rt := NewRouter(routerConfig(), store, NewKeyedMutex(), Inline{},
		&recordingNotifier{}, &recordingRunner{}, nil, newTestLogger())

	_, err := rt.OnPostSave(context.Background(), Reply{TID: "10", CID: "5", AuthorUID: "2"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTopicNotFound)
}

func TestRouterAccessCheckReadsRegistry(t *testing.T) {
	store := &lateFailStore{MemoryStore: NewMemoryStore(), ok: 1}
	seedTopic(t, store, Topic{TID: "10", CID: "5", OwnerUID: "1", FlowID: "fp_42"})
	runner := &recordingRunner{}
	rt := NewRouter(routerConfig(), store, NewKeyedMutex(), Inline{},
		&recordingNotifier{}, runner, nil, newTestLogger())

	_, err := rt.OnPostSave(context.Background(), Reply{
		PID: "20", TID: "10", CID: "5", AuthorUID: "2", AuthorEmail: "a@x.com", Content: "run it",
	})
	assert.ErrorContains(t, err, "failed to check access")
	assert.Empty(t, runner.runs)
}

func TestRouterLinkFlow(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, routerConfig(), nil)
	seedTopic(t, f.store, Topic{TID: "10", CID: "5", OwnerUID: "1", Title: "Help with flow-1 setup"})
	seedTopic(t, f.store, Topic{TID: "11", CID: "6", OwnerUID: "1"})

	_, err := f.router.LinkFlow(ctx, "10", "1", "")
	assert.ErrorIs(t, err, ErrInvalidFlowID)

	_, err = f.router.LinkFlow(ctx, "10", "1", "bad id")
	assert.ErrorIs(t, err, ErrInvalidFlowID)

	_, err = f.router.LinkFlow(ctx, "10", "2", "flow-1")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.router.LinkFlow(ctx, "11", "1", "flow-1")
	assert.ErrorIs(t, err, ErrOutOfScope)

	_, err = f.router.LinkFlow(ctx, "404", "1", "flow-1")
	assert.ErrorIs(t, err, ErrTopicNotFound)

	linked, err := f.router.LinkFlow(ctx, "10", "1", "flow-1")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = f.router.LinkFlow(ctx, "10", "1", "flow-2")
	require.NoError(t, err)
	assert.False(t, linked)

	topic, err := f.store.GetTopic(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, "flow-1", topic.FlowID)
	assert.Equal(t, "Help with ******** setup", topic.Title)
}
