package flow

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"
)

// CommandKind names an owner command found at the start of a reply.
type CommandKind string

const (
	CommandNone   CommandKind = ""
	CommandInvite CommandKind = "invite"
	CommandRevoke CommandKind = "revoke"
)

// Command is a parsed /invite or /revoke reply.
type Command struct {
	Kind   CommandKind
	Emails []string
}

var (
	ErrEmptyEmailList = errors.New("command has no email addresses")
	ErrInvalidEmail   = errors.New("invalid email address")
)

var commandPrefixes = []struct {
	prefix string
	kind   CommandKind
}{
	{"/invite", CommandInvite},
	{"/revoke", CommandRevoke},
}

// ParseCommand recognizes "/invite a@x, b@y" and "/revoke a@x". Content that
// does not start with a command yields CommandNone and no error. A command
// whose list is empty or holds anything but bare addresses returns its kind
// together with an error.
func ParseCommand(content string) (Command, error) {
	text := strings.TrimLeftFunc(content, unicode.IsSpace)
	for _, c := range commandPrefixes {
		rest, ok := strings.CutPrefix(text, c.prefix)
		if !ok {
			continue
		}
		if rest != "" && !unicode.IsSpace(rune(rest[0])) {
			// "/invitees" is ordinary text
			return Command{}, nil
		}
		emails, err := ParseEmailList(firstLine(strings.TrimLeftFunc(rest, unicode.IsSpace)))
		return Command{Kind: c.kind, Emails: emails}, err
	}
	return Command{}, nil
}

// ParseEmailList splits a comma separated list, normalizing each address and
// dropping empty entries.
func ParseEmailList(list string) ([]string, error) {
	var res []string
	for _, tok := range strings.Split(list, ",") {
		email := NormalizeEmail(tok)
		if email == "" {
			continue
		}
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email || addr.Name != "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
		}
		res = append(res, email)
	}
	if len(res) == 0 {
		return nil, ErrEmptyEmailList
	}
	return AddEmails(nil, res...), nil
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return s
}
