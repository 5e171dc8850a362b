package modelclient

import (
	"context"
	"strings"
)

// MockBackend returns deterministic canned completions without calling an
// external service, backing config.mock_mode (spec §6) so the pipeline
// runs end-to-end offline and in tests.
type MockBackend struct{}

// NewMockBackend returns a MockBackend.
func NewMockBackend() *MockBackend { return &MockBackend{} }

// Complete inspects the prompt's instruction line to decide which of the
// four typed shapes to synthesize a plausible answer for.
func (MockBackend) Complete(ctx context.Context, prompt string) (string, error) {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "classify the sentiment"):
		return mockSentiment(prompt), nil
	case strings.Contains(lower, "detect pii"):
		return mockPII(prompt), nil
	case strings.Contains(lower, "extract support insights"):
		return mockInsights(prompt), nil
	case strings.Contains(lower, "summarize") || strings.Contains(lower, "update this summary"):
		return mockSummary(prompt), nil
	default:
		return "Thanks for reaching out, we're looking into this.", nil
	}
}

func mockSentiment(prompt string) string {
	lower := strings.ToLower(prompt)
	sentiment, emotion, confidence := "neutral", "calm", "0.6"
	switch {
	case containsAny(lower, "frustrated", "angry", "terrible", "awful", "worst"):
		sentiment, emotion, confidence = "negative", "frustration", "0.85"
	case containsAny(lower, "thanks", "great", "awesome", "love"):
		sentiment, emotion, confidence = "positive", "gratitude", "0.8"
	}
	return "sentiment: " + sentiment + "\nemotion: " + emotion + "\nconfidence: " + confidence + "\nreasoning: keyword heuristic"
}

func mockPII(prompt string) string {
	lower := strings.ToLower(prompt)
	if strings.Contains(lower, "@") {
		return "has_pii: true\nentities: email=[REDACTED]\nredacted_text: " + redactEmails(prompt)
	}
	if containsAny(lower, "ssn", "social security", "credit card") {
		return "has_pii: true\nentities: sensitive_id=[REDACTED]\nredacted_text: [REDACTED]"
	}
	return "has_pii: false\nentities:\nredacted_text: " + prompt
}

func mockInsights(prompt string) string {
	lower := strings.ToLower(prompt)
	urgency := "low"
	escalate := "false"
	switch {
	case containsAny(lower, "urgent", "asap", "immediately", "critical"):
		urgency, escalate = "critical", "true"
	case containsAny(lower, "frustrated", "angry", "refund", "cancel"):
		urgency, escalate = "high", "true"
	}
	return "intent: general_inquiry\nurgency: " + urgency +
		"\ncategories: support\nsuggested_actions: acknowledge,investigate\n" +
		"requires_escalation: " + escalate + "\nestimated_resolution_time: same_day\nkey_concerns: customer_experience"
}

func mockSummary(prompt string) string {
	return "tldr: customer reported an issue; agent is assisting\n" +
		"customer_issue: reported issue\nagent_response: acknowledged and investigating\n" +
		"key_points: issue_reported\nnext_steps: follow_up"
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func redactEmails(s string) string {
	var out strings.Builder
	tokens := strings.Fields(s)
	for i, t := range tokens {
		if strings.Contains(t, "@") {
			t = "[REDACTED]"
		}
		out.WriteString(t)
		if i < len(tokens)-1 {
			out.WriteByte(' ')
		}
	}
	return out.String()
}
