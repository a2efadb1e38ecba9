package agent

import (
	"fmt"
	"strings"
)

const systemPromptTemplate = `You are the inbox assistant for a customer support mailbox.
Classify each inbound email and, when appropriate, draft a reply.

Use this product knowledge:
%s

Respond with a single JSON object, no prose, no code fences:
{
  "classification": "auto_reply" | "draft_for_review" | "escalate" | "ignore",
  "confidence": 0.0-1.0,
  "reasoning": "one or two sentences",
  "draft_reply": "full reply text, when classification is auto_reply or draft_for_review",
  "escalation_note": "what a human needs to know, when classification is escalate",
  "signals": ["short tags describing what you noticed"]
}

Guidance:
- auto_reply only for routine questions the knowledge fully answers.
- draft_for_review when a reply is appropriate but judgment is involved.
- escalate for anything covered by the hard rules, anything angry or legal,
  and anything you cannot answer from the knowledge.
- ignore for newsletters, automated notifications, and obvious spam.`

const userPromptBase = `Classify this inbound email.

From: %s
Subject: %s

Body:
%s`

const threadContextSection = `

Earlier messages in this thread (oldest first):
%s`

const semanticContextSection = `

Similar past conversations (message id, similarity):
%s`

// systemPrompt renders the system message with the knowledge base folded
// in.
func systemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, strings.TrimSpace(knowledgeBase))
}

// userPrompt selects the template variant by which contexts are present.
func userPrompt(from, subject, body, threadCtx, semanticCtx string) string {
	p := fmt.Sprintf(userPromptBase, from, subject, body)
	if threadCtx != "" {
		p += fmt.Sprintf(threadContextSection, threadCtx)
	}
	if semanticCtx != "" {
		p += fmt.Sprintf(semanticContextSection, semanticCtx)
	}
	return p
}
