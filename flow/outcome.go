package flow

import "fmt"

type (
	// OutcomeKind is the terminal classification of a reply.
	OutcomeKind string

	// Reason explains an Ignored outcome.
	Reason string

	// Outcome is what happened to one reply. Exactly one is produced per
	// post.save event.
	Outcome struct {
		Kind   OutcomeKind
		Reason Reason
		// Emails lists the addresses an applied command changed.
		Emails []string
		// Delete is set when the forum should remove the reply.
		Delete bool
		// Queued reports whether outbound work was accepted by the executor.
		Queued bool
		// Err carries the validation error behind ReasonInvalidCommand.
		Err error
	}

	// LinkResult describes a processed topic.create event.
	LinkResult struct {
		InScope bool
		Linked  bool
		// Title is the stored, masked title.
		Title  string
		FlowID string
	}
)

const (
	Ignored       OutcomeKind = "ignored"
	InviteApplied OutcomeKind = "invite-applied"
	RevokeApplied OutcomeKind = "revoke-applied"
	FlowTriggered OutcomeKind = "flow-triggered"
)

const (
	ReasonNone           Reason = ""
	ReasonOutOfScope     Reason = "out-of-scope"
	ReasonBotAuthor      Reason = "bot-author"
	ReasonOpeningPost    Reason = "opening-post"
	ReasonNestedReply    Reason = "nested-reply"
	ReasonNoFlow         Reason = "no-flow"
	ReasonNotOwner       Reason = "not-owner"
	ReasonInvalidCommand Reason = "invalid-command"
	ReasonOwnerReply     Reason = "owner-reply"
	ReasonNotAdmitted    Reason = "not-admitted"
)

func ignored(reason Reason) *Outcome {
	return &Outcome{Kind: Ignored, Reason: reason}
}

func (o Outcome) String() string {
	if o.Kind == Ignored {
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
	}
	return string(o.Kind)
}

// Applied reports whether the reply changed state or started a flow.
func (o Outcome) Applied() bool {
	return o.Kind != Ignored
}
