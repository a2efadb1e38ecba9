package agent

import (
	"encoding/json"
	"strings"
)

// Classifications.
const (
	ClassAutoReply      = "auto_reply"
	ClassDraftForReview = "draft_for_review"
	ClassEscalate       = "escalate"
	ClassIgnore         = "ignore"
)

// Decision is the classifier's verdict for one inbound message.
type Decision struct {
	Classification string   `json:"classification"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	DraftReply     string   `json:"draft_reply"`
	EscalationNote string   `json:"escalation_note"`
	Signals        []string `json:"signals"`
}

// parseDecision extracts a Decision from raw model output. Anything that
// does not parse into a known classification coerces to escalate with
// confidence 0, so a confused model always lands in front of a human.
func parseDecision(raw string) Decision {
	cleaned := stripCodeFence(raw)

	var d Decision
	if err := json.Unmarshal([]byte(cleaned), &d); err != nil {
		return escalateUnparseable(raw)
	}
	switch d.Classification {
	case ClassAutoReply, ClassDraftForReview, ClassEscalate, ClassIgnore:
	default:
		return escalateUnparseable(raw)
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d
}

func escalateUnparseable(raw string) Decision {
	note := "classifier reply was not parseable"
	raw = truncateChars(raw, 200)
	return Decision{
		Classification: ClassEscalate,
		Confidence:     0,
		Reasoning:      note,
		EscalationNote: note + ": " + strings.TrimSpace(raw),
	}
}

// stripCodeFence removes markdown fence framing the model sometimes wraps
// around its JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// The opening fence may carry a language tag.
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
