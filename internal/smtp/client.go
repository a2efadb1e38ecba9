package smtp

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

const dialTimeout = 30 * time.Second

// SubmissionClient is one authenticated SMTP session. Implementations are
// not safe for concurrent use; the pool serializes access.
type SubmissionClient interface {
	// Send submits one already-assembled message.
	Send(from, to string, raw []byte) error
	// Noop probes session liveness.
	Noop() error
	Close() error
}

// DialFunc opens an authenticated session. The pool takes one so tests can
// substitute fakes.
type DialFunc func(host string, port int, username, password string) (SubmissionClient, error)

type client struct {
	c *gosmtp.Client
}

// Dial connects, negotiates TLS (implicit on 465, STARTTLS otherwise) and
// authenticates with AUTH PLAIN. Failures come back classified.
func Dial(host string, port int, username, password string) (SubmissionClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, Classify("dial", err)
	}
	conn.SetDeadline(time.Now().Add(dialTimeout))

	var c *gosmtp.Client
	tlsCfg := &tls.Config{ServerName: host}
	if port == 465 {
		c = gosmtp.NewClient(tls.Client(conn, tlsCfg))
	} else {
		c, err = gosmtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			conn.Close()
			return nil, Classify("dial", err)
		}
	}
	conn.SetDeadline(time.Time{})

	if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		c.Close()
		return nil, Classify("auth", err)
	}
	return &client{c: c}, nil
}

func (cl *client) Send(from, to string, raw []byte) error {
	if err := cl.c.Mail(from, nil); err != nil {
		return Classify("mail", err)
	}
	if err := cl.c.Rcpt(to, nil); err != nil {
		return Classify("rcpt", err)
	}
	w, err := cl.c.Data()
	if err != nil {
		return Classify("data", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return Classify("data", err)
	}
	if err := w.Close(); err != nil {
		return Classify("data", err)
	}
	return nil
}

func (cl *client) Noop() error {
	return cl.c.Noop()
}

func (cl *client) Close() error {
	if err := cl.c.Quit(); err != nil {
		return cl.c.Close()
	}
	return nil
}
