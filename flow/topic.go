package flow

import (
	"slices"
	"strings"
	"time"
)

type (
	// Topic is the per-thread record kept by this service. Access sets hold
	// normalized emails and never share a member.
	Topic struct {
		TID           string
		OwnerUID      string
		CID           string
		FlowID        string
		Title         string
		InvitedEmails []string
		RevokedEmails []string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// Reply is a post.save event as seen by the router. It is classified,
	// never modified.
	Reply struct {
		PID          string
		TID          string
		CID          string
		AuthorUID    string
		AuthorEmail  string
		Content      string
		InReplyToPID string
		IsMainPost   bool
	}

	// NewTopic is a topic.create event.
	NewTopic struct {
		TID      string
		CID      string
		OwnerUID string
		Title    string
	}
)

// HasFlow reports whether a flow has been linked to the topic.
func (t *Topic) HasFlow() bool {
	return t.FlowID != ""
}

// IsOwner reports whether uid created the topic.
func (t *Topic) IsOwner(uid string) bool {
	return uid != "" && t.OwnerUID == uid
}

// IsPublic is true while nobody has been invited.
func (t *Topic) IsPublic() bool {
	return len(t.InvitedEmails) == 0
}

// IsNested reports whether the reply answers another reply.
func (r *Reply) IsNested() bool {
	return r.InReplyToPID != "" && r.InReplyToPID != "0"
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AddEmails returns set with emails added, sorted and without duplicates.
func AddEmails(set []string, emails ...string) []string {
	res := slices.Clone(set)
	for _, e := range emails {
		if e = NormalizeEmail(e); e != "" {
			res = append(res, e)
		}
	}
	slices.Sort(res)
	return slices.Compact(res)
}

// RemoveEmails returns set without any of emails.
func RemoveEmails(set []string, emails ...string) []string {
	drop := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		drop[NormalizeEmail(e)] = struct{}{}
	}
	res := make([]string, 0, len(set))
	for _, e := range set {
		if _, ok := drop[e]; !ok {
			res = append(res, e)
		}
	}
	return res
}

// ContainsEmail reports whether set holds the normalized form of email.
func ContainsEmail(set []string, email string) bool {
	email = NormalizeEmail(email)
	return email != "" && slices.Contains(set, email)
}
