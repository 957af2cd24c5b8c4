package toollock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "notion ai", Canonicalize("Notion-AI"))
	assert.Equal(t, "microsoft copilot", Canonicalize("  Microsoft   Copilot!! "))
	assert.Equal(t, "chatgpt", Canonicalize("ChatGPT"))
	assert.Equal(t, "", Canonicalize("***"))
}

func TestValidateAllowsSameToolFollowUps(t *testing.T) {
	cases := []struct {
		name    string
		message string
		tool    string
	}{
		{"tool phrase appears in message", "Can you check Notion-AI's DPA?", "Notion AI"},
		{"shared token", "does copilot store prompts somewhere", "Microsoft Copilot"},
		{"empty canonical tool", "assess another tool", ""},
		{"empty message", "", "Notion AI"},
		{"long question about same topic", "What retention period does it use for the data?", "Notion AI"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(tc.message, Canonicalize(tc.tool))
			assert.True(t, res.Allowed)
			assert.Empty(t, res.Reason)
		})
	}
}

func TestValidateRejectsNewToolAttempts(t *testing.T) {
	cases := []struct {
		name    string
		message string
		tool    string
	}{
		{"bare tool name", "Microsoft Copilot", "Notion AI"},
		{"assessment intent with tool object", "please assess this other AI tool", "Notion AI"},
		{"evaluate phrasing", "evaluate Slack GPT for me", "Notion AI"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(tc.message, Canonicalize(tc.tool))
			assert.False(t, res.Allowed)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestValidateShortPunctuatedMessageAllowed(t *testing.T) {
	// A short follow-up with a question mark does not look like a bare
	// tool name even when it shares no token with the locked tool.
	res := Validate("why?", Canonicalize("Notion AI"))
	assert.True(t, res.Allowed)
}
