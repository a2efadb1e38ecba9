// Package worker drives outbound delivery: a durable queue worker with
// classified retries, a per-account rate limiter, and a scheduler that
// releases approved drafts when their send time arrives.
package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ignite/envelope/internal/smtp"
	"github.com/ignite/envelope/internal/store"
)

// Sender delivers one stored message over a pooled SMTP session. It is the
// shared delivery path for the queue worker and for synchronous API sends.
type Sender struct {
	Store *store.Store
	Pool  *smtp.Pool
	Log   zerolog.Logger
}

// Deliver assembles and submits the message, returning the generated
// Message-ID. Errors are *smtp.SendError whenever the failure was
// classified.
func (s *Sender) Deliver(ctx context.Context, m *store.Message) (string, error) {
	creds, err := s.Store.GetAccountWithCredentials(m.AccountID)
	if err != nil {
		return "", fmt.Errorf("worker: account %s: %w", m.AccountID, err)
	}

	o := smtp.Outbound{
		From:        m.FromAddr,
		To:          m.ToAddr,
		FromName:    derefOr(creds.DisplayName, ""),
		Subject:     derefOr(m.Subject, ""),
		TextContent: derefOr(m.TextContent, ""),
		HTMLContent: derefOr(m.HTMLContent, ""),
		InReplyTo:   derefOr(m.InReplyTo, ""),
	}

	raw, msgID, err := smtp.BuildMIME(o)
	if err != nil {
		return "", err
	}

	lease, err := s.Pool.Acquire(ctx, m.AccountID, smtp.Credentials{
		Host:     creds.SMTPHost,
		Port:     creds.SMTPPort,
		Username: creds.EffectiveSMTPUsername,
		Password: creds.EffectiveSMTPPassword,
	})
	if err != nil {
		return "", err
	}

	sendErr := lease.Client.Send(m.FromAddr, m.ToAddr, raw)
	lease.Release(sendErr)
	if sendErr != nil {
		return "", sendErr
	}
	return msgID, nil
}

// DeliverSync is the synchronous API path: one attempt, finalizing the row
// as sent or failed. No retry scheduling.
func (s *Sender) DeliverSync(ctx context.Context, m *store.Message) (*store.Message, error) {
	msgID, err := s.Deliver(ctx, m)
	if err != nil {
		if markErr := s.Store.MarkMessageFailed(m.ID, err.Error()); markErr != nil {
			s.Log.Error().Err(markErr).Str("id", m.ID).Msg("mark failed")
		}
		updated, _ := s.Store.GetMessage(m.ID)
		return updated, err
	}
	if err := s.Store.MarkMessageSent(m.ID, msgID); err != nil {
		return nil, err
	}
	return s.Store.GetMessage(m.ID)
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
