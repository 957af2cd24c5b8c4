// Package toollock guards follow-up messages in paid assessment sessions
// against silently switching to a different tool. Heuristic only, not a
// security boundary.
package toollock

import (
	"regexp"
	"strings"
)

// Result reports whether a follow-up message stays within the locked tool.
type Result struct {
	Allowed bool
	Reason  string
}

const rejectReason = "Detected a request to assess a different AI tool in this follow-up. " +
	"Start a new assessment session to consume another credit."

var (
	nonAlnumRe         = regexp.MustCompile(`[^a-z0-9\s]`)
	whitespaceRe       = regexp.MustCompile(`\s+`)
	assessmentIntentRe = regexp.MustCompile(`\b(assess|evaluate|analy[sz]e|review|check)\b`)
	toolObjectRe       = regexp.MustCompile(`\b(tool|model|ai)\b`)
)

// Canonicalize normalizes a tool name for matching and fingerprinting:
// lowercase, punctuation replaced by spaces, whitespace collapsed.
func Canonicalize(value string) string {
	normalized := nonAlnumRe.ReplaceAllString(strings.ToLower(value), " ")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// Validate checks whether a follow-up message stays within the session's
// canonical tool scope.
func Validate(message, canonicalTool string) Result {
	if isNewToolAttempt(message, canonicalTool) {
		return Result{Allowed: false, Reason: rejectReason}
	}
	return Result{Allowed: true}
}

// isNewToolAttempt detects probable attempts to switch to another tool
// inside follow-up text.
func isNewToolAttempt(message, canonicalTool string) bool {
	if strings.TrimSpace(message) == "" || strings.TrimSpace(canonicalTool) == "" {
		return false
	}

	msg := Canonicalize(message)
	canonical := Canonicalize(canonicalTool)
	if msg == "" || canonical == "" {
		return false
	}

	if strings.Contains(msg, canonical) {
		return false
	}
	if shareToken(strings.Fields(canonical), strings.Fields(msg)) {
		return false
	}

	words := strings.Fields(msg)
	// Strong signal: user enters another short tool name as follow-up.
	if len(words) <= 5 && !strings.Contains(message, "?") && !strings.Contains(message, ".") {
		return true
	}

	if assessmentIntentRe.MatchString(msg) && (toolObjectRe.MatchString(msg) || len(words) >= 3) {
		return true
	}

	return false
}

func shareToken(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, token := range a {
		set[token] = struct{}{}
	}
	for _, token := range b {
		if _, ok := set[token]; ok {
			return true
		}
	}
	return false
}
