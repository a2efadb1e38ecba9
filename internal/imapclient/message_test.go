package imapclient

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawPlain = "Message-Id: <abc@example.com>\r\n" +
	"From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body here\r\n"

const rawReply = "Message-Id: <reply@example.com>\r\n" +
	"In-Reply-To: <abc@example.com>\r\n" +
	"References: <root@example.com> <abc@example.com>\r\n" +
	"From: bob@example.com\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Re: Hello\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"replying\r\n"

func TestParseBodyPlainText(t *testing.T) {
	m := &InboundMessage{}
	require.NoError(t, parseBody([]byte(rawPlain), m))
	assert.Equal(t, "<abc@example.com>", m.MessageID)
	assert.Contains(t, m.TextContent, "plain body here")
	assert.Empty(t, m.HTMLContent)
	assert.Empty(t, m.Attachments)
}

func TestParseBodyThreadingHeaders(t *testing.T) {
	m := &InboundMessage{}
	require.NoError(t, parseBody([]byte(rawReply), m))
	assert.Equal(t, "<abc@example.com>", m.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<abc@example.com>"}, m.References)
}

func TestParseBodyMultipartAlternative(t *testing.T) {
	raw := "Message-Id: <multi@example.com>\r\n" +
		"From: a@x.com\r\n" +
		"To: b@y.com\r\n" +
		"Subject: Multi\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"the text version\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>the html version</p>\r\n" +
		"--BOUND--\r\n"

	m := &InboundMessage{}
	require.NoError(t, parseBody([]byte(raw), m))
	assert.Contains(t, m.TextContent, "the text version")
	assert.Contains(t, m.HTMLContent, "the html version")
}

func TestParseBodyAttachmentMetadata(t *testing.T) {
	raw := "Message-Id: <att@example.com>\r\n" +
		"From: a@x.com\r\n" +
		"To: b@y.com\r\n" +
		"Subject: Attached\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"%PDF-1.4 fake content\r\n" +
		"--BOUND--\r\n"

	m := &InboundMessage{}
	require.NoError(t, parseBody([]byte(raw), m))
	assert.Contains(t, m.TextContent, "see attached")
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "report.pdf", m.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", m.Attachments[0].ContentType)
	assert.Greater(t, m.Attachments[0].Size, 0)
}

func TestParseBodyGarbageFallsBackToRaw(t *testing.T) {
	m := &InboundMessage{}
	_ = parseBody([]byte("not a mime message at all"), m)
	assert.NotEmpty(t, m.TextContent)
}

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "<a@b>", canonicalID("a@b"))
	assert.Equal(t, "<a@b>", canonicalID("<a@b>"))
	assert.Equal(t, "<a@b>", canonicalID("  <a@b>  "))
	assert.Equal(t, "", canonicalID(""))
}

type fakeSearcher struct {
	msgs []*InboundMessage
}

func (f *fakeSearcher) byHeader(key, value string) ([]*InboundMessage, error) {
	var out []*InboundMessage
	for _, m := range f.msgs {
		switch key {
		case "Message-Id":
			if m.MessageID == value {
				out = append(out, m)
			}
		case "In-Reply-To":
			if m.InReplyTo == value {
				out = append(out, m)
			}
		case "References":
			for _, r := range m.References {
				if r == value {
					out = append(out, m)
				}
			}
		}
	}
	return out, nil
}

func TestWalkThreadCollectsConversation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	root := &InboundMessage{UID: 1, MessageID: "<root@x>", Date: base}
	reply := &InboundMessage{UID: 2, MessageID: "<r1@x>", InReplyTo: "<root@x>",
		References: []string{"<root@x>"}, Date: base.Add(time.Hour)}
	nested := &InboundMessage{UID: 3, MessageID: "<r2@x>", InReplyTo: "<r1@x>",
		References: []string{"<root@x>", "<r1@x>"}, Date: base.Add(2 * time.Hour)}
	unrelated := &InboundMessage{UID: 9, MessageID: "<other@x>", Date: base}

	s := &fakeSearcher{msgs: []*InboundMessage{root, reply, nested, unrelated}}

	// Starting from the middle still finds the whole conversation.
	thread, err := walkThread(s, "<r1@x>")
	require.NoError(t, err)
	require.Len(t, thread, 3)

	ids := make([]string, len(thread))
	for i, m := range thread {
		ids[i] = m.MessageID
	}
	// Date order.
	assert.Equal(t, []string{"<root@x>", "<r1@x>", "<r2@x>"}, ids)
	assert.NotContains(t, strings.Join(ids, " "), "<other@x>")
}

func TestWalkThreadUnknownID(t *testing.T) {
	s := &fakeSearcher{}
	thread, err := walkThread(s, "<missing@x>")
	require.NoError(t, err)
	assert.Empty(t, thread)
}

func TestWalkThreadHandlesCycles(t *testing.T) {
	a := &InboundMessage{UID: 1, MessageID: "<a@x>", References: []string{"<b@x>"}}
	b := &InboundMessage{UID: 2, MessageID: "<b@x>", References: []string{"<a@x>"}}
	s := &fakeSearcher{msgs: []*InboundMessage{a, b}}

	thread, err := walkThread(s, "<a@x>")
	require.NoError(t, err)
	assert.Len(t, thread, 2)
}
