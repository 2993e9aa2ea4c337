package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{
			name:     "invitee",
			email:    "guest@example.com",
			expected: "g***@example.com",
		},
		{
			name:     "short local part",
			email:    "ab@example.com",
			expected: "***@example.com",
		},
		{
			name:     "very short local part",
			email:    "a@example.com",
			expected: "***@example.com",
		},
		{
			name:     "empty email",
			email:    "",
			expected: "",
		},
		{
			name:     "invalid email format",
			email:    "notanemail",
			expected: "***",
		},
		{
			name:     "multiple @ signs",
			email:    "user@host@example.com",
			expected: "***",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := maskEmail(tt.email)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestHashEmail(t *testing.T) {
	assert.Equal(t, "", hashEmail(""))

	h := hashEmail("owner@example.com")
	assert.Len(t, h, 8)
	assert.Equal(t, h, hashEmail("  Owner@Example.com "), "case and spacing must not change the hash")
	assert.NotEqual(t, h, hashEmail("guest@example.com"))
}

func TestMaskEmails(t *testing.T) {
	got := maskEmails([]string{"alice@example.com", "bo@example.com", "broken"})
	assert.Equal(t, []string{"a***@example.com", "***@example.com", "***"}, got)
	assert.Empty(t, maskEmails(nil))
}
