package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ignite/envelope/internal/store"
)

const schedulerInterval = time.Minute

// DraftScheduler releases approved drafts whose send_after time has passed:
// each one is enqueued as an outbound message and the draft transitions to
// sent. The conditional transition makes a double release impossible even
// if a human approves the draft at the same moment.
type DraftScheduler struct {
	store  *store.Store
	worker *SendWorker
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDraftScheduler builds the scheduler; released drafts are handed to the
// send worker.
func NewDraftScheduler(st *store.Store, w *SendWorker, log zerolog.Logger) *DraftScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &DraftScheduler{
		store:  st,
		worker: w,
		log:    log.With().Str("component", "draft_scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the release loop.
func (s *DraftScheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the loop.
func (s *DraftScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *DraftScheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.ReleaseDue()
		}
	}
}

// ReleaseDue enqueues every due draft. Exposed so tests and the API can
// trigger a pass directly.
func (s *DraftScheduler) ReleaseDue() int {
	due, err := s.store.GetScheduledDrafts()
	if err != nil {
		s.log.Error().Err(err).Msg("fetch scheduled drafts")
		return 0
	}
	released := 0
	for _, d := range due {
		if s.releaseOne(d) {
			released++
		}
	}
	if released > 0 {
		s.worker.Notify()
	}
	return released
}

func (s *DraftScheduler) releaseOne(d *store.Draft) bool {
	account, err := s.store.GetAccount(d.AccountID)
	if err != nil {
		s.log.Error().Err(err).Str("draft_id", d.ID).Msg("scheduled draft account")
		return false
	}

	m, err := s.store.CreateMessage(store.NewMessage{
		AccountID:   d.AccountID,
		FromAddr:    account.Username,
		ToAddr:      d.ToAddr,
		Subject:     d.Subject,
		TextContent: d.TextContent,
		HTMLContent: d.HTMLContent,
		InReplyTo:   d.InReplyTo,
	})
	if err != nil {
		s.log.Error().Err(err).Str("draft_id", d.ID).Msg("enqueue scheduled draft")
		return false
	}

	ok, err := s.store.MarkDraftSent(d.ID, m.ID)
	if err != nil {
		s.log.Error().Err(err).Str("draft_id", d.ID).Msg("mark draft sent")
		return false
	}
	if !ok {
		// Lost the race with a manual approval; the enqueued copy must not
		// go out twice.
		if ferr := s.store.MarkMessageFailed(m.ID, "draft already released"); ferr != nil {
			s.log.Error().Err(ferr).Str("id", m.ID).Msg("cancel duplicate release")
		}
		return false
	}
	s.log.Info().Str("draft_id", d.ID).Str("message_id", m.ID).Msg("released scheduled draft")
	return true
}
