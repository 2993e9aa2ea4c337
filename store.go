package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imeyer/flowbridge/flow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

//go:embed schema/flow.sql
var flowSchema string

// DBTX is the subset of pgxpool.Pool and pgx.Tx the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps topics in flow_topics and member emails in
// flow_members. Set updates are single statements, so concurrent invites and
// revocations on one topic never lose a write.
type PostgresStore struct {
	db     DBTX
	logger *slog.Logger
}

var (
	_ flow.TopicStore = (*PostgresStore)(nil)
	_ flow.Directory  = (*PostgresStore)(nil)
)

func NewPostgresStore(db DBTX, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, flowSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.DebugContext(ctx, "schema applied")
	return nil
}

const topicColumns = `tid, cid, owner_uid, flow_id, title, invited, revoked, created_at, updated_at`

const createTopic = `INSERT INTO flow_topics (tid, cid, owner_uid, flow_id, title, invited, revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tid) DO NOTHING`

func (s *PostgresStore) CreateTopic(ctx context.Context, t flow.Topic) (bool, error) {
	invited := flow.AddEmails(nil, t.InvitedEmails...)
	revoked := flow.RemoveEmails(flow.AddEmails(nil, t.RevokedEmails...), invited...)

	tag, err := s.db.Exec(ctx, createTopic,
		t.TID, t.CID, t.OwnerUID, nullText(t.FlowID), t.Title, invited, revoked)
	if err != nil {
		return false, fmt.Errorf("query error: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const getTopic = `SELECT ` + topicColumns + ` FROM flow_topics WHERE tid = $1`

func (s *PostgresStore) GetTopic(ctx context.Context, tid string) (*flow.Topic, error) {
	return s.scanTopic(s.db.QueryRow(ctx, getTopic, tid))
}

const setFlowID = `UPDATE flow_topics
SET flow_id = $2, title = $3, updated_at = NOW()
WHERE tid = $1 AND flow_id IS NULL`

const topicExists = `SELECT EXISTS (SELECT 1 FROM flow_topics WHERE tid = $1)`

func (s *PostgresStore) SetFlowID(ctx context.Context, tid, flowID, title string) (bool, error) {
	tag, err := s.db.Exec(ctx, setFlowID, tid, flowID, title)
	if err != nil {
		return false, fmt.Errorf("query error: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, topicExists, tid).Scan(&exists); err != nil {
		return false, fmt.Errorf("query error: %w", err)
	}
	if !exists {
		return false, flow.ErrTopicNotFound
	}
	return false, nil
}

// $2 is added to the first array and removed from the second.
const moveEmails = `UPDATE flow_topics SET
    %[1]s = ARRAY(SELECT DISTINCT e FROM unnest(%[1]s || $2::text[]) AS e ORDER BY e),
    %[2]s = ARRAY(SELECT e FROM unnest(%[2]s) AS e WHERE NOT (e = ANY($2::text[])) ORDER BY e),
    updated_at = NOW()
WHERE tid = $1
RETURNING ` + topicColumns

var (
	addInvites     = fmt.Sprintf(moveEmails, "invited", "revoked")
	addRevocations = fmt.Sprintf(moveEmails, "revoked", "invited")
)

func (s *PostgresStore) AddInvites(ctx context.Context, tid string, emails []string) (*flow.Topic, error) {
	return s.scanTopic(s.db.QueryRow(ctx, addInvites, tid, flow.AddEmails(nil, emails...)))
}

func (s *PostgresStore) AddRevocations(ctx context.Context, tid string, emails []string) (*flow.Topic, error) {
	return s.scanTopic(s.db.QueryRow(ctx, addRevocations, tid, flow.AddEmails(nil, emails...)))
}

const rememberMemberSQL = `INSERT INTO flow_members (uid, email) VALUES ($1, $2)
ON CONFLICT (uid) DO UPDATE SET email = EXCLUDED.email, updated_at = NOW()
WHERE flow_members.email <> EXCLUDED.email`

// RememberMember records the last email seen for uid.
func (s *PostgresStore) RememberMember(ctx context.Context, uid, email string) error {
	email = flow.NormalizeEmail(email)
	if uid == "" || email == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx, rememberMemberSQL, uid, email); err != nil {
		return fmt.Errorf("query error: %w", err)
	}
	return nil
}

const memberEmail = `SELECT email FROM flow_members WHERE uid = $1`

// EmailFor returns the remembered email for uid, or "" when none is known.
func (s *PostgresStore) EmailFor(ctx context.Context, uid string) (string, error) {
	var email string
	err := s.db.QueryRow(ctx, memberEmail, uid).Scan(&email)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("query error: %w", err)
	}
	return email, nil
}

func (s *PostgresStore) scanTopic(row pgx.Row) (*flow.Topic, error) {
	var (
		t       flow.Topic
		flowID  pgtype.Text
		created pgtype.Timestamptz
		updated pgtype.Timestamptz
	)
	err := row.Scan(&t.TID, &t.CID, &t.OwnerUID, &flowID, &t.Title,
		&t.InvitedEmails, &t.RevokedEmails, &created, &updated)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, flow.ErrTopicNotFound
	case err != nil:
		return nil, fmt.Errorf("query error: %w", err)
	}
	t.FlowID = flowID.String
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return &t, nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
