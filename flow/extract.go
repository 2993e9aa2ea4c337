package flow

import (
	"regexp"
	"strings"
)

// MaskPlaceholder replaces every occurrence of a flow id in displayed text.
const MaskPlaceholder = "********"

// flowId is tried before flow so that "flowId=x" yields x rather than "Id".
var (
	flowTagPattern = regexp.MustCompile(`(?i)(flowId|flow)\s*[:=]?\s*([\w-]+)`)
	flowIDPattern  = regexp.MustCompile(`^[\w-]+$`)
)

// FlowTag is a flow tag located in text. Start and End bound the whole tag,
// "flowId=fp_42" included, not just the id.
type FlowTag struct {
	ID         string
	Start, End int
}

// FindFlowTag locates the first flow tag in text, such as "flowId=fp_42" or
// "Flow: billing-bot".
func FindFlowTag(text string) (FlowTag, bool) {
	loc := flowTagPattern.FindStringSubmatchIndex(text)
	if loc == nil || loc[5] <= loc[4] {
		return FlowTag{}, false
	}
	return FlowTag{ID: text[loc[4]:loc[5]], Start: loc[0], End: loc[1]}, true
}

// ExtractFlowID returns the identifier from the first flow tag in text.
func ExtractFlowID(text string) (string, bool) {
	tag, ok := FindFlowTag(text)
	return tag.ID, ok
}

// MaskFlowID hides every literal occurrence of flowID in text.
func MaskFlowID(text, flowID string) string {
	if flowID == "" {
		return text
	}
	return strings.ReplaceAll(text, flowID, MaskPlaceholder)
}

// MaskFlowTitle hides the flow tag that carries flowID, keyword included, and
// then every other literal occurrence of flowID. "Need help flowId=fp_42"
// becomes "Need help ********".
func MaskFlowTitle(text, flowID string) string {
	if flowID == "" {
		return text
	}
	tag, ok := FindFlowTag(text)
	if !ok || tag.ID != flowID {
		return MaskFlowID(text, flowID)
	}
	return MaskFlowID(text[:tag.Start], flowID) + MaskPlaceholder + MaskFlowID(text[tag.End:], flowID)
}

// ValidFlowID reports whether id could have come out of a flow tag.
func ValidFlowID(id string) bool {
	return flowIDPattern.MatchString(id)
}
