package imapclient

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// InboundMessage is one retrieved mailbox message.
type InboundMessage struct {
	UID         uint32       `json:"uid"`
	Folder      string       `json:"folder"`
	MessageID   string       `json:"message_id"`
	From        string       `json:"from"`
	FromName    string       `json:"from_name,omitempty"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Date        time.Time    `json:"date"`
	Seen        bool         `json:"seen"`
	TextContent string       `json:"text_content,omitempty"`
	HTMLContent string       `json:"html_content,omitempty"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  []string     `json:"references,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is metadata only; bodies are never pulled.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// canonicalID normalizes a Message-ID to the angle-bracketed form used as
// the journal key.
func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "<" + strings.Trim(id, "<>") + ">"
}

// parseBody fills text, HTML, threading headers and attachment metadata
// from a raw RFC 5322 message. Unparseable bodies degrade to raw text.
func parseBody(raw []byte, m *InboundMessage) error {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if mr == nil {
			m.TextContent = string(raw)
			return err
		}
		// Header parsed; body structure is still walkable.
	}

	h := mr.Header
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		m.InReplyTo = canonicalID(ids[0])
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		for _, r := range refs {
			m.References = append(m.References, canonicalID(r))
		}
	}
	if m.MessageID == "" {
		if id, err := h.MessageID(); err == nil {
			m.MessageID = canonicalID(id)
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, rerr := io.ReadAll(part.Body)
			if rerr != nil {
				continue
			}
			switch {
			case ct == "text/plain" && m.TextContent == "":
				m.TextContent = string(body)
			case ct == "text/html" && m.HTMLContent == "":
				m.HTMLContent = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			m.Attachments = append(m.Attachments, Attachment{
				Filename:    decodeFilename(filename),
				ContentType: ct,
				Size:        int(n),
			})
		}
	}
	return nil
}

func decodeFilename(name string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(name); err == nil {
		return decoded
	}
	return name
}
