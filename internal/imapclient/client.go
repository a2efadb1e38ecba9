// Package imapclient reads mail over IMAP. Connections are per-call: each
// operation dials, authenticates, does its work and logs out, so a flaky
// mailbox never poisons long-lived state.
package imapclient

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"
	goimap "github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
)

// Error kinds.
const (
	KindIMAP       = "imap_error"
	KindConnection = "connection_error"
)

// Error is a classified IMAP failure.
type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func (e *Error) Unwrap() error { return e.Err }

func imapErr(err error) *Error {
	return &Error{Kind: KindIMAP, Message: err.Error(), Err: err}
}

func connErr(err error) *Error {
	return &Error{Kind: KindConnection, Message: err.Error(), Err: err}
}

// Client holds the credentials for one mailbox.
type Client struct {
	host     string
	port     int
	username string
	password string
	log      zerolog.Logger
}

// New builds a client. No connection is made until an operation runs.
func New(host string, port int, username, password string, log zerolog.Logger) *Client {
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		log:      log.With().Str("component", "imap").Str("host", host).Logger(),
	}
}

// connect dials (implicit TLS on 993, STARTTLS otherwise), logs in, and
// optionally selects a folder.
func (c *Client) connect(folder string, readOnly bool) (*goimap.Client, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	var (
		conn *goimap.Client
		err  error
	)
	if c.port == 993 {
		conn, err = goimap.DialTLS(addr, nil)
	} else {
		conn, err = goimap.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, connErr(err)
	}
	if err := conn.Login(c.username, c.password).Wait(); err != nil {
		conn.Close()
		return nil, imapErr(err)
	}
	if folder != "" {
		opts := &imap.SelectOptions{ReadOnly: readOnly}
		if _, err := conn.Select(folder, opts).Wait(); err != nil {
			conn.Logout().Wait()
			conn.Close()
			return nil, imapErr(err)
		}
	}
	return conn, nil
}

func release(conn *goimap.Client) {
	conn.Logout().Wait()
	conn.Close()
}

// ListFolders returns every mailbox name on the server.
func (c *Client) ListFolders() ([]string, error) {
	conn, err := c.connect("", false)
	if err != nil {
		return nil, err
	}
	defer release(conn)

	boxes, err := conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, imapErr(err)
	}
	names := make([]string, 0, len(boxes))
	for _, b := range boxes {
		names = append(names, b.Mailbox)
	}
	sort.Strings(names)
	return names, nil
}

// SearchQuery narrows a folder listing. Zero values are no-ops.
type SearchQuery struct {
	Unseen  bool
	From    string
	Subject string
	Text    string
	Limit   int
	Offset  int
}

// Search lists messages in a folder, newest first, without bodies.
func (c *Client) Search(folder string, q SearchQuery) ([]*InboundMessage, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	conn, err := c.connect(folder, true)
	if err != nil {
		return nil, err
	}
	defer release(conn)

	criteria := &imap.SearchCriteria{}
	if q.Unseen {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	if q.From != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: q.From})
	}
	if q.Subject != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: q.Subject})
	}
	if q.Text != "" {
		criteria.Text = append(criteria.Text, q.Text)
	}

	data, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, imapErr(err)
	}
	uids := data.AllUIDs()
	// UIDs ascend with arrival; newest first means walking from the tail.
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if q.Offset >= len(uids) {
		return []*InboundMessage{}, nil
	}
	uids = uids[q.Offset:]
	if len(uids) > q.Limit {
		uids = uids[:q.Limit]
	}
	if len(uids) == 0 {
		return []*InboundMessage{}, nil
	}

	msgs, err := c.fetchEnvelopes(conn, folder, uids)
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID > msgs[j].UID })
	return msgs, nil
}

// FetchUnread returns unseen messages with full bodies, oldest first so the
// inbox agent works through them in arrival order.
func (c *Client) FetchUnread(folder string, limit int) ([]*InboundMessage, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if limit <= 0 {
		limit = 10
	}
	conn, err := c.connect(folder, true)
	if err != nil {
		return nil, err
	}
	defer release(conn)

	data, err := conn.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, imapErr(err)
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > limit {
		uids = uids[:limit]
	}
	if len(uids) == 0 {
		return []*InboundMessage{}, nil
	}
	return c.fetchFull(conn, folder, uids)
}

// FetchMessage returns one message with its full body and attachment
// metadata.
func (c *Client) FetchMessage(folder string, uid uint32) (*InboundMessage, error) {
	if folder == "" {
		folder = "INBOX"
	}
	conn, err := c.connect(folder, true)
	if err != nil {
		return nil, err
	}
	defer release(conn)

	msgs, err := c.fetchFull(conn, folder, []imap.UID{imap.UID(uid)})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, &Error{Kind: KindIMAP, Message: fmt.Sprintf("uid %d not found in %s", uid, folder)}
	}
	return msgs[0], nil
}

// MarkSeen sets the \Seen flag on a message.
func (c *Client) MarkSeen(folder string, uid uint32) error {
	if folder == "" {
		folder = "INBOX"
	}
	conn, err := c.connect(folder, false)
	if err != nil {
		return err
	}
	defer release(conn)

	uidSet := imap.UIDSetNum(imap.UID(uid))
	err = conn.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil).Close()
	if err != nil {
		return imapErr(err)
	}
	return nil
}

func (c *Client) fetchEnvelopes(conn *goimap.Client, folder string, uids []imap.UID) ([]*InboundMessage, error) {
	var uidSet imap.UIDSet
	for _, u := range uids {
		uidSet.AddNum(u)
	}
	bufs, err := conn.Fetch(uidSet, &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	}).Collect()
	if err != nil {
		return nil, imapErr(err)
	}
	out := make([]*InboundMessage, 0, len(bufs))
	for _, buf := range bufs {
		out = append(out, fromEnvelope(buf, folder))
	}
	return out, nil
}

func (c *Client) fetchFull(conn *goimap.Client, folder string, uids []imap.UID) ([]*InboundMessage, error) {
	var uidSet imap.UIDSet
	for _, u := range uids {
		uidSet.AddNum(u)
	}
	// Peek keeps the fetch from flagging messages as read; only an explicit
	// MarkSeen does that.
	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := conn.Fetch(uidSet, &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, imapErr(err)
	}

	out := make([]*InboundMessage, 0, len(bufs))
	for _, buf := range bufs {
		m := fromEnvelope(buf, folder)
		if len(buf.BodySection) > 0 {
			if err := parseBody(buf.BodySection[0].Bytes, m); err != nil {
				c.log.Warn().Err(err).Uint32("uid", m.UID).Msg("unparseable message body")
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func fromEnvelope(buf *goimap.FetchMessageBuffer, folder string) *InboundMessage {
	m := &InboundMessage{UID: uint32(buf.UID), Folder: folder}
	for _, f := range buf.Flags {
		if f == imap.FlagSeen {
			m.Seen = true
		}
	}
	env := buf.Envelope
	if env == nil {
		return m
	}
	m.MessageID = canonicalID(env.MessageID)
	m.Subject = env.Subject
	m.Date = env.Date
	if len(env.From) > 0 {
		m.From = env.From[0].Addr()
		m.FromName = env.From[0].Name
	}
	for _, a := range env.To {
		m.To = append(m.To, a.Addr())
	}
	// In-Reply-To and References come from the parsed body headers; the
	// envelope's threading fields vary too much across servers.
	return m
}
