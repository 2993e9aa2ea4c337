package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/imeyer/flowbridge/flow"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	emoji "github.com/yuin/goldmark-emoji"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		emoji.Emoji,
		extension.Strikethrough,
		// Linkify URLs but not email addresses.
		// Note: passing nil uses goldmark's default email finder, so we use
		// a regex that only matches empty strings to effectively disable it.
		extension.NewLinkify(
			extension.WithLinkifyEmailRegexp(regexp.MustCompile(`^$`)),
		),
	),
)

func parseMarkdownToHTML(text string) string {
	var buf bytes.Buffer

	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return text // Fall back to the original text on error
	}

	return buf.String()
}

// noticePolicy allows the inline markup a bot notice can contain.
func noticePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "ul", "li")
	p.AllowElements("b", "i", "strong", "em", "code", "del")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return p
}

// noticeMarkdown is the bot's reply for outcomes the topic owner should see.
// It is empty when no notice is due.
func noticeMarkdown(o flow.Outcome) string {
	switch {
	case o.Kind == flow.InviteApplied:
		return fmt.Sprintf(":white_check_mark: **Invited** to run this topic's flow: %s", codeList(o.Emails))
	case o.Kind == flow.RevokeApplied:
		return fmt.Sprintf(":no_entry: **Revoked** from this topic's flow: %s", codeList(o.Emails))
	case o.Reason == flow.ReasonInvalidCommand:
		msg := "Could not read that command."
		if o.Err != nil {
			msg = fmt.Sprintf("Could not read that command (%s).", o.Err)
		}
		return msg + " Use `/invite a@example.com, b@example.com` or `/revoke a@example.com`."
	default:
		return ""
	}
}

// renderNotice returns the notice as sanitized HTML.
func renderNotice(o flow.Outcome) string {
	md := noticeMarkdown(o)
	if md == "" {
		return ""
	}
	return strings.TrimSpace(noticePolicy().Sanitize(parseMarkdownToHTML(md)))
}

func codeList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "`" + s + "`"
	}
	return strings.Join(quoted, ", ")
}
