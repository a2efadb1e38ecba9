// Package agent is the inbox assistant: it polls a mailbox, classifies
// unread mail with an LLM, and turns each message into an auto-reply, a
// reviewable draft, an escalation, or nothing. Human review is the safe
// default; the action journal makes every outcome idempotent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ignite/envelope/internal/config"
	"github.com/ignite/envelope/internal/embeddings"
	"github.com/ignite/envelope/internal/imapclient"
	"github.com/ignite/envelope/internal/store"
	"github.com/ignite/envelope/internal/worker"
)

const (
	maxBodyChars       = 4000
	maxThreadItemChars = 1000
	semanticQueryChars = 500
	semanticHits       = 3
	unreadBatch        = 10
	threadSeparator    = "\n---\n"
)

// Mailbox is the retrieval surface the agent needs.
type Mailbox interface {
	FetchUnread(folder string, limit int) ([]*imapclient.InboundMessage, error)
	MarkSeen(folder string, uid uint32) error
	GetThread(folder, messageID string) ([]*imapclient.InboundMessage, error)
}

// SimilarityIndex finds related past messages. Optional; a nil index
// disables semantic context.
type SimilarityIndex interface {
	FindSimilar(ctx context.Context, accountID, query string, limit int) ([]embeddings.Match, error)
}

// InboxAgent runs the triage loop for one account.
type InboxAgent struct {
	cfg     config.Agent
	store   *store.Store
	mailbox Mailbox
	llm     ChatClient
	sim     SimilarityIndex
	sender  *worker.Sender
	log     zerolog.Logger

	mu           sync.Mutex
	running      bool
	lastPoll     time.Time
	pollCount    int
	actionCounts map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the agent. sim may be nil.
func New(cfg config.Agent, st *store.Store, mailbox Mailbox, llm ChatClient, sim SimilarityIndex, sender *worker.Sender, log zerolog.Logger) *InboxAgent {
	ctx, cancel := context.WithCancel(context.Background())
	return &InboxAgent{
		cfg:          cfg,
		store:        st,
		mailbox:      mailbox,
		llm:          llm,
		sim:          sim,
		sender:       sender,
		log:          log.With().Str("component", "inbox_agent").Logger(),
		actionCounts: map[string]int{},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the poll loop.
func (a *InboxAgent) Start() {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.wg.Add(1)
	go a.run()
}

// Stop halts the loop and waits for the current pass to finish.
func (a *InboxAgent) Stop() {
	a.cancel()
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *InboxAgent) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.PollOnce(a.ctx); err != nil {
				a.log.Error().Err(err).Msg("poll failed")
			}
		}
	}
}

// PollOnce fetches unread mail and processes each message. Per-message
// failures are logged and do not abort the batch. Returns the number of
// messages processed (not skipped).
func (a *InboxAgent) PollOnce(ctx context.Context) (int, error) {
	a.mu.Lock()
	a.lastPoll = time.Now()
	a.pollCount++
	a.mu.Unlock()

	unread, err := a.mailbox.FetchUnread("INBOX", unreadBatch)
	if err != nil {
		return 0, fmt.Errorf("agent: fetch unread: %w", err)
	}

	processed := 0
	for _, msg := range unread {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		key := journalKey(msg)
		seen, err := a.store.HasAgentAction(key)
		if err != nil {
			a.log.Error().Err(err).Str("key", key).Msg("dedup check failed")
			continue
		}
		if seen {
			continue
		}
		if err := a.processMessage(ctx, msg, key); err != nil {
			a.log.Error().Err(err).Str("key", key).Msg("message processing failed")
			continue
		}
		processed++
	}
	return processed, nil
}

// truncateChars caps s at max characters, cutting on a rune boundary so
// the result stays valid UTF-8.
func truncateChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func journalKey(msg *imapclient.InboundMessage) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}
	return fmt.Sprintf("uid:%d", msg.UID)
}

func (a *InboxAgent) processMessage(ctx context.Context, msg *imapclient.InboundMessage, key string) error {
	body := msg.TextContent
	if body == "" {
		body = msg.HTMLContent
	}
	body = truncateChars(body, maxBodyChars)

	threadCtx := a.threadContext(msg)
	semanticCtx := a.semanticContext(ctx, msg.Subject, body)

	raw, err := a.llm.Complete(ctx, systemPrompt(), userPrompt(msg.From, msg.Subject, body, threadCtx, semanticCtx))
	if err != nil {
		return fmt.Errorf("agent: classify: %w", err)
	}
	decision := parseDecision(raw)

	action := a.dispatch(ctx, msg, key, decision)

	a.journal(msg, key, decision, action)
	a.mu.Lock()
	a.actionCounts[action.name]++
	a.mu.Unlock()
	a.log.Info().
		Str("key", key).
		Str("classification", decision.Classification).
		Float64("confidence", decision.Confidence).
		Str("action", action.name).
		Msg("processed inbound")
	return nil
}

// threadContext assembles sibling messages from the same conversation.
// Best-effort: any failure yields an empty context.
func (a *InboxAgent) threadContext(msg *imapclient.InboundMessage) string {
	if msg.InReplyTo == "" && len(msg.References) == 0 {
		return ""
	}
	rootID := msg.MessageID
	if rootID == "" {
		rootID = msg.InReplyTo
	}
	thread, err := a.mailbox.GetThread(msg.Folder, rootID)
	if err != nil {
		a.log.Debug().Err(err).Str("key", journalKey(msg)).Msg("thread context unavailable")
		return ""
	}
	var parts []string
	for _, m := range thread {
		if m.MessageID != "" && m.MessageID == msg.MessageID {
			continue
		}
		text := m.TextContent
		if text == "" {
			text = m.HTMLContent
		}
		text = truncateChars(text, maxThreadItemChars)
		parts = append(parts, fmt.Sprintf("From: %s\nSubject: %s\n%s", m.From, m.Subject, text))
	}
	return strings.Join(parts, threadSeparator)
}

// semanticContext looks up similar past conversations. Best-effort.
func (a *InboxAgent) semanticContext(ctx context.Context, subject, body string) string {
	if a.sim == nil {
		return ""
	}
	query := truncateChars(subject+" "+body, semanticQueryChars)
	matches, err := a.sim.FindSimilar(ctx, a.cfg.AccountID, query, semanticHits)
	if err != nil {
		a.log.Debug().Err(err).Msg("semantic context unavailable")
		return ""
	}
	var lines []string
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("%s (%.2f)", m.MessageID, m.Similarity))
	}
	return strings.Join(lines, "\n")
}

// actionResult names the concrete outcome and carries references recorded
// in the journal.
type actionResult struct {
	name       string
	draftID    string
	outboundID string
}

// dispatch performs the side effects for a decision. Side effects run
// before journaling; the journal row is the commit point either way.
func (a *InboxAgent) dispatch(ctx context.Context, msg *imapclient.InboundMessage, key string, d Decision) actionResult {
	switch {
	case d.Classification == ClassAutoReply && strings.TrimSpace(d.DraftReply) != "":
		return a.autoReply(ctx, msg, key, d)
	case d.Classification == ClassDraftForReview && strings.TrimSpace(d.DraftReply) != "":
		return a.createReviewDraft(msg, key, d)
	case d.Classification == ClassIgnore:
		a.markSeen(msg)
		return actionResult{name: ClassIgnore}
	default:
		// escalate, and any reply-bearing classification that arrived
		// without a reply.
		return a.createEscalation(msg, key, d)
	}
}

func (a *InboxAgent) autoReply(ctx context.Context, msg *imapclient.InboundMessage, key string, d Decision) actionResult {
	subject := replySubject(msg.Subject)
	reply := d.DraftReply
	m, err := a.store.CreateMessage(store.NewMessage{
		AccountID:   a.cfg.AccountID,
		FromAddr:    a.cfg.SendFrom,
		ToAddr:      msg.From,
		Subject:     &subject,
		TextContent: &reply,
		InReplyTo:   &key,
	})
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("enqueue auto-reply")
		return actionResult{name: ClassAutoReply}
	}
	if _, err := a.sender.DeliverSync(ctx, m); err != nil {
		// Leave the inbound unread; the journal row still suppresses a
		// second attempt.
		a.log.Error().Err(err).Str("key", key).Msg("auto-reply send failed")
		return actionResult{name: ClassAutoReply, outboundID: m.ID}
	}
	a.markSeen(msg)
	return actionResult{name: ClassAutoReply, outboundID: m.ID}
}

func (a *InboxAgent) createReviewDraft(msg *imapclient.InboundMessage, key string, d Decision) actionResult {
	subject := replySubject(msg.Subject)
	reply := d.DraftReply
	createdBy := "agent"
	draft, err := a.store.CreateDraft(store.NewDraft{
		AccountID:   a.cfg.AccountID,
		ToAddr:      msg.From,
		Subject:     &subject,
		TextContent: &reply,
		InReplyTo:   &key,
		CreatedBy:   &createdBy,
		Metadata:    decisionMetadata(msg, d),
	})
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("create review draft")
		return actionResult{name: ClassDraftForReview}
	}
	a.markSeen(msg)
	return actionResult{name: ClassDraftForReview, draftID: draft.ID}
}

func (a *InboxAgent) createEscalation(msg *imapclient.InboundMessage, key string, d Decision) actionResult {
	subject := replySubject(msg.Subject)
	createdBy := "agent"
	meta := decisionMetadata(msg, d)
	meta["classification"] = ClassEscalate
	if d.EscalationNote != "" {
		meta["escalation_note"] = d.EscalationNote
	}
	to := a.cfg.EscalationEmail
	if to == "" {
		to = msg.From
	}
	draft, err := a.store.CreateDraft(store.NewDraft{
		AccountID: a.cfg.AccountID,
		ToAddr:    to,
		Subject:   &subject,
		InReplyTo: &key,
		CreatedBy: &createdBy,
		Metadata:  meta,
	})
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("create escalation")
		return actionResult{name: ClassEscalate}
	}
	a.markSeen(msg)
	return actionResult{name: ClassEscalate, draftID: draft.ID}
}

func (a *InboxAgent) markSeen(msg *imapclient.InboundMessage) {
	if err := a.mailbox.MarkSeen(msg.Folder, msg.UID); err != nil {
		a.log.Warn().Err(err).Uint32("uid", msg.UID).Msg("mark seen failed")
	}
}

func (a *InboxAgent) journal(msg *imapclient.InboundMessage, key string, d Decision, res actionResult) {
	from := msg.From
	subject := msg.Subject
	rec := &store.AgentAction{
		InboundMessageID: key,
		FromAddr:         &from,
		Subject:          &subject,
		Classification:   &d.Classification,
		Confidence:       d.Confidence,
		Action:           &res.name,
	}
	if d.Reasoning != "" {
		rec.Reasoning = &d.Reasoning
	}
	if d.DraftReply != "" {
		rec.DraftReply = &d.DraftReply
	}
	if d.EscalationNote != "" {
		rec.EscalationNote = &d.EscalationNote
	}
	if res.outboundID != "" {
		rec.OutboundMessageID = &res.outboundID
	}
	if _, err := a.store.RecordAgentAction(rec); err != nil {
		if errors.Is(err, store.ErrDuplicateAction) {
			a.log.Debug().Str("key", key).Msg("action already journaled")
			return
		}
		a.log.Error().Err(err).Str("key", key).Msg("journal action")
	}
}

func decisionMetadata(msg *imapclient.InboundMessage, d Decision) map[string]any {
	return map[string]any{
		"classification": d.Classification,
		"confidence":     d.Confidence,
		"reasoning":      d.Reasoning,
		"signals":        d.Signals,
		"inbound": map[string]any{
			"message_id": msg.MessageID,
			"uid":        msg.UID,
			"from":       msg.From,
			"subject":    msg.Subject,
			"date":       msg.Date,
		},
	}
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// Status is the agent's introspection payload.
type Status struct {
	Running      bool           `json:"running"`
	LastPoll     *time.Time     `json:"last_poll,omitempty"`
	PollCount    int            `json:"poll_count"`
	PollInterval float64        `json:"poll_interval_seconds"`
	ActionCounts map[string]int `json:"action_counts"`
}

// Status reports loop state and cumulative action counts.
func (a *InboxAgent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Status{
		Running:      a.running,
		PollCount:    a.pollCount,
		PollInterval: a.cfg.PollInterval().Seconds(),
		ActionCounts: make(map[string]int, len(a.actionCounts)),
	}
	for k, v := range a.actionCounts {
		s.ActionCounts[k] = v
	}
	if !a.lastPoll.IsZero() {
		t := a.lastPoll
		s.LastPoll = &t
	}
	return s
}
