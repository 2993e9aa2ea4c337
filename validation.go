package main

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/imeyer/flowbridge/flow"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Validator collects field errors for one request.
type Validator struct {
	errors ValidationErrors
}

func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// ValidateRequired validates that a field is not empty
func (v *Validator) ValidateRequired(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
		return false
	}
	return true
}

// ValidateMaxLength validates maximum length in runes
func (v *Validator) ValidateMaxLength(field, value string, maxLength int) bool {
	if utf8.RuneCountInString(value) > maxLength {
		v.AddError(field, fmt.Sprintf("must not exceed %d characters", maxLength))
		return false
	}
	return true
}

// ValidateID checks a forum identifier: digits, letters, '-' or '_'.
func (v *Validator) ValidateID(field, value string) bool {
	if !v.ValidateRequired(field, value) || !v.ValidateMaxLength(field, value, MaxIDLength) {
		return false
	}
	if !idPattern.MatchString(value) {
		v.AddError(field, "contains invalid characters")
		return false
	}
	return true
}

// ValidateOptionalID is ValidateID for fields that may be absent.
func (v *Validator) ValidateOptionalID(field, value string) bool {
	if value == "" {
		return true
	}
	return v.ValidateID(field, value)
}

func (v *Validator) ValidateFlowID(field, value string) bool {
	if !v.ValidateRequired(field, value) || !v.ValidateMaxLength(field, value, MaxIDLength) {
		return false
	}
	if !flow.ValidFlowID(value) {
		v.AddError(field, "must contain only letters, digits, '_' or '-'")
		return false
	}
	return true
}

var idPattern = regexp.MustCompile(`^[\w-]+$`)

const (
	MaxIDLength      = 64
	MaxTitleLength   = 255
	MaxContentLength = 32768
)

// ValidateTopicEvent checks a decoded topic.create event.
func ValidateTopicEvent(nt flow.NewTopic) ValidationErrors {
	v := NewValidator()

	v.ValidateID("tid", nt.TID)
	v.ValidateID("uid", nt.OwnerUID)
	v.ValidateOptionalID("cid", nt.CID)
	v.ValidateMaxLength("title", nt.Title, MaxTitleLength)

	return v.Errors()
}

// ValidateReplyEvent checks a decoded post.save event.
func ValidateReplyEvent(r flow.Reply) ValidationErrors {
	v := NewValidator()

	v.ValidateID("tid", r.TID)
	v.ValidateID("uid", r.AuthorUID)
	v.ValidateOptionalID("pid", r.PID)
	v.ValidateOptionalID("cid", r.CID)
	v.ValidateOptionalID("toPid", r.InReplyToPID)
	v.ValidateMaxLength("content", r.Content, MaxContentLength)

	return v.Errors()
}

// ValidateLinkFlow checks a link-flow request.
func ValidateLinkFlow(tid, flowID, uid string) ValidationErrors {
	v := NewValidator()

	v.ValidateID("tid", tid)
	v.ValidateFlowID("flowId", flowID)
	v.ValidateID("uid", uid)

	return v.Errors()
}

// SanitizeInput performs basic input sanitization
func SanitizeInput(input string) string {
	// Normalize line endings: CRLF -> LF, standalone CR -> LF
	input = strings.ReplaceAll(input, "\r\n", "\n")
	input = strings.ReplaceAll(input, "\r", "\n")

	input = strings.TrimSpace(input)

	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	return input
}
