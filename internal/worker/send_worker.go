package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ignite/envelope/internal/smtp"
	"github.com/ignite/envelope/internal/store"
)

const (
	maxRetries    = 3
	batchSize     = 10
	pollInterval  = 5 * time.Second
	maxConcurrent = 5
	baseBackoff   = 30 * time.Second
	maxBackoff    = 600 * time.Second
	drainTimeout  = 30 * time.Second
	drainPoll     = 500 * time.Millisecond
)

// SendWorker drains the queued messages table. Claims are conditional
// status transitions, so a message is processed by at most one goroutine;
// the in-flight set keeps a slow send from being picked up twice within
// one process.
type SendWorker struct {
	sender *Sender
	store  *store.Store
	log    zerolog.Logger

	notify chan struct{}
	sem    chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}

	// The poll loop and in-flight sends stop on separate contexts so that
	// shutdown can halt intake while deliveries finish draining.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	sendCtx    context.Context
	sendCancel context.CancelFunc
	wg         sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

// NewSendWorker builds a worker around the shared delivery path.
func NewSendWorker(sender *Sender, st *store.Store, log zerolog.Logger) *SendWorker {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	sendCtx, sendCancel := context.WithCancel(context.Background())
	return &SendWorker{
		sender:     sender,
		store:      st,
		log:        log.With().Str("component", "send_worker").Logger(),
		notify:     make(chan struct{}, 1),
		sem:        make(chan struct{}, maxConcurrent),
		inFlight:   make(map[string]struct{}),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		sendCtx:    sendCtx,
		sendCancel: sendCancel,
	}
}

// Start recovers orphaned claims from a previous crash and begins draining
// the queue.
func (w *SendWorker) Start() error {
	n, err := w.store.RecoverOrphans()
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info().Int64("recovered", n).Msg("requeued orphaned messages")
	}
	w.wg.Add(1)
	go w.run()
	w.Notify()
	return nil
}

// Notify wakes the worker without waiting for the next poll tick. Safe to
// call from any goroutine; extra notifications coalesce.
func (w *SendWorker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *SendWorker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.loopCtx.Done():
			return
		case <-w.notify:
		case <-ticker.C:
		}
		// Keep pulling while the queue has work; wait only once a batch
		// comes back empty.
		for w.drainBatch() > 0 {
		}
	}
}

// drainBatch dispatches one batch and reports how many messages it took on.
func (w *SendWorker) drainBatch() int {
	msgs, err := w.store.GetQueuedMessages(batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("fetch queued")
		return 0
	}
	dispatched := 0
	for _, m := range msgs {
		if !w.markInFlight(m.ID) {
			continue
		}
		select {
		case w.sem <- struct{}{}:
		case <-w.loopCtx.Done():
			w.clearInFlight(m.ID)
			return 0
		}
		go w.process(m)
		dispatched++
	}
	return dispatched
}

func (w *SendWorker) process(m *store.Message) {
	defer func() {
		<-w.sem
		w.clearInFlight(m.ID)
	}()

	claimed, err := w.store.ClaimMessage(m.ID)
	if err != nil {
		w.log.Error().Err(err).Str("id", m.ID).Msg("claim")
		return
	}
	if !claimed {
		return
	}

	msgID, err := w.sender.Deliver(w.sendCtx, m)
	if err == nil {
		if err := w.store.MarkMessageSent(m.ID, msgID); err != nil {
			w.log.Error().Err(err).Str("id", m.ID).Msg("mark sent")
			return
		}
		w.sent.Add(1)
		w.log.Info().Str("id", m.ID).Str("message_id", msgID).Str("to", m.ToAddr).Msg("sent")
		return
	}

	var se *smtp.SendError
	retryable := errors.As(err, &se) && se.Retryable()
	if retryable && m.RetryCount < maxRetries {
		delay := backoffDelay(m.RetryCount)
		if rerr := w.store.MarkMessageRetry(m.ID, err.Error(), time.Now().Add(delay)); rerr != nil {
			w.log.Error().Err(rerr).Str("id", m.ID).Msg("mark retry")
			return
		}
		w.log.Warn().Str("id", m.ID).Int("retry", m.RetryCount+1).
			Dur("delay", delay).Err(err).Msg("send failed, retrying")
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Shutdown interrupted the delivery. The row stays in sending and
		// is requeued by orphan recovery on the next start.
		w.log.Warn().Str("id", m.ID).Msg("send interrupted, leaving claim for startup recovery")
		return
	}

	if ferr := w.store.MarkMessageFailed(m.ID, failureMessage(err, retryable)); ferr != nil {
		w.log.Error().Err(ferr).Str("id", m.ID).Msg("mark failed")
		return
	}
	w.failed.Add(1)
	w.log.Error().Str("id", m.ID).Str("to", m.ToAddr).Err(err).Msg("send failed permanently")
}

// failureMessage is the terminal error text persisted with a failed row.
func failureMessage(err error, retryExhausted bool) string {
	var se *smtp.SendError
	classified := errors.As(err, &se)
	switch {
	case retryExhausted && classified:
		return "Max retries exceeded: " + se.Message
	case classified:
		return err.Error()
	case errors.Is(err, store.ErrNotFound):
		return "Account not found"
	default:
		return "Internal worker error"
	}
}

// backoffDelay doubles from 30s per prior attempt, capped at 10 minutes.
func backoffDelay(retryCount int) time.Duration {
	d := baseBackoff << uint(retryCount)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// Stop halts queue intake and waits up to 30 seconds for in-flight sends
// to finish before cancelling them. Anything still claimed after the drain
// window stays in sending and is recovered as an orphan on next start.
func (w *SendWorker) Stop() {
	w.loopCancel()
	w.wg.Wait()

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if w.inFlightCount() == 0 {
			w.sendCancel()
			return
		}
		time.Sleep(drainPoll)
	}
	w.log.Warn().Int("in_flight", w.inFlightCount()).Msg("drain timeout, abandoning in-flight sends")
	w.sendCancel()
}

// WorkerStats is a point-in-time snapshot of worker counters.
type WorkerStats struct {
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	InFlight int   `json:"in_flight"`
}

// Stats returns current counters.
func (w *SendWorker) Stats() WorkerStats {
	return WorkerStats{
		Sent:     w.sent.Load(),
		Failed:   w.failed.Load(),
		InFlight: w.inFlightCount(),
	}
}

func (w *SendWorker) markInFlight(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[id]; ok {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *SendWorker) clearInFlight(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}

func (w *SendWorker) inFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}
