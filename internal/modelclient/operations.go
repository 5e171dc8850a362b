package modelclient

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"supportintel/internal/model"
)

// responses are parsed from a structured "key: value" text format, one
// field per line; on parse failure the caller falls back exactly as it
// would on a permanent model failure (spec §4.1).

// AnalyzeSentiment returns the sentiment for the latest message given
// compressed conversation context.
func (c *Client) AnalyzeSentiment(ctx context.Context, ac AnalysisContext) model.SentimentResult {
	prompt := ac.prompt("Classify the sentiment of the current message. Respond with lines: sentiment, emotion, confidence, reasoning.")
	out, err := c.call(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("sentiment model call failed, using fallback")
		return fallbackSentiment()
	}
	res, err := parseSentiment(out)
	if err != nil {
		log.Warn().Err(err).Msg("sentiment response parse failed, using fallback")
		return fallbackSentiment()
	}
	return res
}

// DetectPII returns PII findings for raw text.
func (c *Client) DetectPII(ctx context.Context, text string) model.PIIResult {
	prompt := "Detect PII in the following text. Respond with lines: has_pii, entities (type=value;type=value), redacted_text.\n\nText: " + text
	out, err := c.call(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("pii model call failed, using fallback")
		return fallbackPII()
	}
	res, err := parsePII(out)
	if err != nil {
		log.Warn().Err(err).Msg("pii response parse failed, using fallback")
		return fallbackPII()
	}
	return res
}

// ExtractInsights returns intent/urgency/action insights for the latest
// message given compressed conversation context.
func (c *Client) ExtractInsights(ctx context.Context, ac AnalysisContext) model.InsightsResult {
	prompt := ac.prompt("Extract support insights. Respond with lines: intent, urgency, categories (comma-separated), suggested_actions (comma-separated), requires_escalation, estimated_resolution_time, key_concerns (comma-separated).")
	out, err := c.call(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("insights model call failed, using fallback")
		return fallbackInsights()
	}
	res, err := parseInsights(out)
	if err != nil {
		log.Warn().Err(err).Msg("insights response parse failed, using fallback")
		return fallbackInsights()
	}
	return res
}

// UpdateSummary performs incremental summarization: old ⊕ new message, or
// a full-window summary when oldSummary is empty (spec §4.4).
func (c *Client) UpdateSummary(ctx context.Context, oldSummary string, newMessageOrWindow string) model.SummaryResult {
	var prompt string
	if strings.TrimSpace(oldSummary) == "" {
		prompt = "Summarize the following conversation window. Respond with lines: tldr, customer_issue, agent_response, key_points (comma-separated), next_steps (comma-separated).\n\nWindow:\n" + newMessageOrWindow
	} else {
		prompt = "Update this summary with the new message. Respond with lines: tldr, customer_issue, agent_response, key_points (comma-separated), next_steps (comma-separated).\n\nOld summary: " + oldSummary + "\n\nNew message: " + newMessageOrWindow
	}
	out, err := c.call(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("summary model call failed, using fallback")
		return fallbackSummary(oldSummary)
	}
	res, err := parseSummary(out)
	if err != nil {
		log.Warn().Err(err).Msg("summary response parse failed, using fallback")
		return fallbackSummary(oldSummary)
	}
	return res
}

// GenerateReply is the free-form operation: no typed parsing, raw text
// out. Used by collaborators outside the analysis pipeline (e.g. a
// suggested-reply feature); kept for API completeness per spec §4.1.
func (c *Client) GenerateReply(ctx context.Context, ac AnalysisContext) (string, error) {
	prompt := ac.prompt("Draft a helpful reply to the current message.")
	return c.call(ctx, prompt)
}

// --- fallbacks (spec §4.1: deterministic, never blocks downstream) ---

func fallbackSentiment() model.SentimentResult {
	return model.SentimentResult{Sentiment: model.SentimentNeutral, Emotion: "none", Confidence: 0.0, Reasoning: "model unavailable"}
}

func fallbackPII() model.PIIResult {
	return model.PIIResult{HasPII: false, Entities: nil}
}

func fallbackInsights() model.InsightsResult {
	return model.InsightsResult{Intent: "general_inquiry", Urgency: model.UrgencyLow}
}

func fallbackSummary(prevTLDR string) model.SummaryResult {
	if prevTLDR != "" {
		return model.SummaryResult{TLDR: prevTLDR}
	}
	return model.SummaryResult{}
}

// --- structured text parsing ---

func parseFields(s string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		fields[key] = val
	}
	return fields
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSentiment(raw string) (model.SentimentResult, error) {
	f := parseFields(raw)
	if len(f) == 0 {
		return model.SentimentResult{}, errParse("sentiment")
	}
	conf, _ := strconv.ParseFloat(f["confidence"], 64)
	return model.SentimentResult{
		Sentiment:  model.Sentiment(f["sentiment"]),
		Emotion:    f["emotion"],
		Confidence: conf,
		Reasoning:  f["reasoning"],
	}, nil
}

func parsePII(raw string) (model.PIIResult, error) {
	f := parseFields(raw)
	if len(f) == 0 {
		return model.PIIResult{}, errParse("pii")
	}
	has := strings.EqualFold(f["has_pii"], "true") || f["has_pii"] == "1"
	var entities []model.PIIEntity
	for _, pair := range strings.Split(f["entities"], ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		entities = append(entities, model.PIIEntity{Type: strings.TrimSpace(kv[0]), RedactedValue: strings.TrimSpace(kv[1])})
	}
	return model.PIIResult{
		HasPII:       has,
		Entities:     entities,
		RedactedText: f["redacted_text"],
	}, nil
}

func parseInsights(raw string) (model.InsightsResult, error) {
	f := parseFields(raw)
	if len(f) == 0 {
		return model.InsightsResult{}, errParse("insights")
	}
	return model.InsightsResult{
		Intent:              f["intent"],
		Urgency:             model.Urgency(f["urgency"]),
		Categories:          splitList(f["categories"]),
		SuggestedActions:    splitList(f["suggested_actions"]),
		RequiresEscalation:  strings.EqualFold(f["requires_escalation"], "true"),
		EstimatedResolution: f["estimated_resolution_time"],
		KeyConcerns:         splitList(f["key_concerns"]),
	}, nil
}

func parseSummary(raw string) (model.SummaryResult, error) {
	f := parseFields(raw)
	if len(f) == 0 {
		return model.SummaryResult{}, errParse("summary")
	}
	return model.SummaryResult{
		TLDR:          f["tldr"],
		CustomerIssue: f["customer_issue"],
		AgentResponse: f["agent_response"],
		KeyPoints:     splitList(f["key_points"]),
		NextSteps:     splitList(f["next_steps"]),
	}, nil
}

type parseError string

func (p parseError) Error() string { return "modelclient: failed to parse " + string(p) + " response" }

func errParse(kind string) error { return parseError(kind) }
