package main

import (
	"errors"

	"github.com/imeyer/flowbridge/flow"
	"github.com/tidwall/gjson"
)

// Forum hooks send either the nested NodeBB shape ({"topic":{...},
// "post":{...}}) or a flat object; the first present path wins.
var (
	tidPaths     = []string{"topic.tid", "post.tid", "tid"}
	topicUIDPath = []string{"topic.uid", "uid"}
	cidPaths     = []string{"topic.cid", "post.cid", "cid"}
	titlePaths   = []string{"topic.title", "title"}
	pidPaths     = []string{"post.pid", "pid"}
	postUIDPaths = []string{"post.uid", "uid"}
	toPidPaths   = []string{"post.toPid", "toPid"}
	contentPaths = []string{"post.content", "content"}
	isMainPaths  = []string{"post.isMain", "isMain"}
	emailPaths   = []string{"user.email", "post.user.email", "email"}
)

var ErrMalformedEvent = errors.New("event body is not a JSON object")

// TopicEvent is a decoded topic.create hook.
type TopicEvent struct {
	Topic flow.NewTopic
	// OwnerEmail is remembered for later replies that omit it.
	OwnerEmail string
}

func decodeTopicEvent(body []byte) (TopicEvent, error) {
	doc, err := parseEvent(body)
	if err != nil {
		return TopicEvent{}, err
	}

	ev := TopicEvent{
		Topic: flow.NewTopic{
			TID:      firstString(doc, tidPaths),
			CID:      firstString(doc, cidPaths),
			OwnerUID: firstString(doc, topicUIDPath),
			Title:    SanitizeInput(firstString(doc, titlePaths)),
		},
		OwnerEmail: firstString(doc, emailPaths),
	}
	if errs := ValidateTopicEvent(ev.Topic); len(errs) > 0 {
		return TopicEvent{}, errs
	}
	return ev, nil
}

func decodeReplyEvent(body []byte) (flow.Reply, error) {
	doc, err := parseEvent(body)
	if err != nil {
		return flow.Reply{}, err
	}

	r := flow.Reply{
		PID:          firstString(doc, pidPaths),
		TID:          firstString(doc, tidPaths),
		CID:          firstString(doc, cidPaths),
		AuthorUID:    firstString(doc, postUIDPaths),
		AuthorEmail:  firstString(doc, emailPaths),
		Content:      SanitizeInput(firstString(doc, contentPaths)),
		InReplyToPID: firstString(doc, toPidPaths),
		IsMainPost:   first(doc, isMainPaths).Bool(),
	}
	if errs := ValidateReplyEvent(r); len(errs) > 0 {
		return flow.Reply{}, errs
	}
	return r, nil
}

func parseEvent(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrMalformedEvent
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, ErrMalformedEvent
	}
	return doc, nil
}

func first(doc gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		if res := doc.Get(p); res.Exists() && res.Type != gjson.Null {
			return res
		}
	}
	return gjson.Result{}
}

// firstString renders numbers without quotes, so {"tid":10} and
// {"tid":"10"} decode alike.
func firstString(doc gjson.Result, paths []string) string {
	return first(doc, paths).String()
}
