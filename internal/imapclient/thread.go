package imapclient

import (
	"sort"

	"github.com/emersion/go-imap/v2"
	goimap "github.com/emersion/go-imap/v2/imapclient"
)

// headerSearcher finds messages whose named header contains a value. The
// thread walker takes the narrow interface so it can be exercised without
// a server.
type headerSearcher interface {
	byHeader(key, value string) ([]*InboundMessage, error)
}

// GetThread collects the conversation around a Message-ID: the message
// itself, everything it references, and everything referencing it,
// breadth-first until the link graph is exhausted. Results are in date
// order.
func (c *Client) GetThread(folder, messageID string) ([]*InboundMessage, error) {
	if folder == "" {
		folder = "INBOX"
	}
	conn, err := c.connect(folder, true)
	if err != nil {
		return nil, err
	}
	defer release(conn)

	return walkThread(&liveSearcher{c: c, conn: conn, folder: folder}, messageID)
}

func walkThread(s headerSearcher, rootID string) ([]*InboundMessage, error) {
	rootID = canonicalID(rootID)
	seen := map[string]*InboundMessage{}
	visited := map[string]bool{}
	queue := []string{rootID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == "" || visited[id] {
			continue
		}
		visited[id] = true

		var found []*InboundMessage
		for _, key := range []string{"Message-Id", "References", "In-Reply-To"} {
			msgs, err := s.byHeader(key, id)
			if err != nil {
				return nil, err
			}
			found = append(found, msgs...)
		}

		for _, m := range found {
			if m.MessageID == "" || seen[m.MessageID] != nil {
				continue
			}
			seen[m.MessageID] = m
			queue = append(queue, m.MessageID)
			if m.InReplyTo != "" {
				queue = append(queue, m.InReplyTo)
			}
			queue = append(queue, m.References...)
		}
	}

	out := make([]*InboundMessage, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].UID < out[j].UID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

type liveSearcher struct {
	c      *Client
	conn   *goimap.Client
	folder string
	cache  map[uint32]*InboundMessage
}

func (s *liveSearcher) byHeader(key, value string) ([]*InboundMessage, error) {
	data, err := s.conn.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: key, Value: value}},
	}, nil).Wait()
	if err != nil {
		return nil, imapErr(err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	if s.cache == nil {
		s.cache = map[uint32]*InboundMessage{}
	}
	var missing []imap.UID
	var out []*InboundMessage
	for _, u := range uids {
		if m, ok := s.cache[uint32(u)]; ok {
			out = append(out, m)
		} else {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 {
		msgs, err := s.c.fetchFull(s.conn, s.folder, missing)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			s.cache[m.UID] = m
			out = append(out, m)
		}
	}
	return out, nil
}
