package main

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// maskEmail masks an email address for logging purposes
// Example: "user@example.com" -> "u***@example.com"
func maskEmail(email string) string {
	if email == "" {
		return ""
	}

	localPart, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***"
	}

	// If local part is very short, just mask it entirely
	if len(localPart) <= 2 {
		return "***@" + domain
	}

	return localPart[0:1] + "***@" + domain
}

// hashEmail creates a consistent hash of an email for correlation without exposing PII
func hashEmail(email string) string {
	if email == "" {
		return ""
	}

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))

	return fmt.Sprintf("%x", h.Sum(nil))[:8]
}

// maskEmails applies maskEmail to every address.
func maskEmails(emails []string) []string {
	out := make([]string, len(emails))
	for i, e := range emails {
		out[i] = maskEmail(e)
	}
	return out
}
