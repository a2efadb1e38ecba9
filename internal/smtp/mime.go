package smtp

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Outbound describes one message to assemble and submit.
type Outbound struct {
	From        string
	FromName    string
	To          string
	Subject     string
	TextContent string
	HTMLContent string
	InReplyTo   string
	References  []string
}

// BuildMIME renders the message to wire format and returns the raw bytes
// along with the generated Message-ID (angle brackets included). Text and
// HTML bodies become a multipart/alternative; a single body stays a simple
// part.
func BuildMIME(o Outbound) ([]byte, string, error) {
	domain := "localhost"
	if i := strings.LastIndex(o.From, "@"); i >= 0 {
		domain = o.From[i+1:]
	}
	msgID := fmt.Sprintf("%s@%s", uuid.NewString(), domain)

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: o.FromName, Address: o.From}})
	h.SetAddressList("To", []*mail.Address{{Address: o.To}})
	h.SetSubject(o.Subject)
	h.SetMessageID(msgID)
	if o.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{stripAngles(o.InReplyTo)})
		refs := make([]string, 0, len(o.References)+1)
		for _, r := range o.References {
			refs = append(refs, stripAngles(r))
		}
		refs = append(refs, stripAngles(o.InReplyTo))
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("smtp: create writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("smtp: create inline: %w", err)
	}

	text := o.TextContent
	if text == "" && o.HTMLContent == "" {
		text = " "
	}
	if text != "" {
		var th mail.InlineHeader
		th.Set("Content-Type", "text/plain; charset=utf-8")
		pw, err := iw.CreatePart(th)
		if err != nil {
			return nil, "", fmt.Errorf("smtp: text part: %w", err)
		}
		io.WriteString(pw, text)
		pw.Close()
	}
	if o.HTMLContent != "" {
		var hh mail.InlineHeader
		hh.Set("Content-Type", "text/html; charset=utf-8")
		pw, err := iw.CreatePart(hh)
		if err != nil {
			return nil, "", fmt.Errorf("smtp: html part: %w", err)
		}
		io.WriteString(pw, o.HTMLContent)
		pw.Close()
	}
	iw.Close()
	mw.Close()

	return buf.Bytes(), "<" + msgID + ">", nil
}

func stripAngles(id string) string {
	return strings.Trim(id, "<>")
}
