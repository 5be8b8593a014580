package smtp

import (
	"io"
	"net"
	"net/textproto"
)

// LMTPClient is a client connection to an LMTP server (RFC 2033).
//
// LMTP is close enough to SMTP that we could almost reuse the client above,
// but the LHLO greeting and the per-recipient DATA replies are different
// enough that a dedicated implementation over textproto is simpler.
type LMTPClient struct {
	text *textproto.Conn

	// Recipients accepted in the current transaction, in order. DATA gets
	// one reply for each.
	rcpts int
}

// NewLMTPClient establishes an LMTP session over the given connection,
// including reading the greeting and sending LHLO.
func NewLMTPClient(conn net.Conn, helloDomain string) (*LMTPClient, error) {
	text := textproto.NewConn(conn)

	_, _, err := text.ReadResponse(220)
	if err != nil {
		text.Close()
		return nil, err
	}

	c := &LMTPClient{text: text}
	if _, _, err := c.cmd(250, "LHLO %s", helloDomain); err != nil {
		text.Close()
		return nil, err
	}

	return c, nil
}

func (c *LMTPClient) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	return c.text.ReadResponse(expectCode)
}

// Mail issues the MAIL FROM command.
func (c *LMTPClient) Mail(from string) error {
	c.rcpts = 0
	_, _, err := c.cmd(250, "MAIL FROM:<%s>", from)
	return err
}

// Rcpt issues a RCPT TO command for the given recipient.
func (c *LMTPClient) Rcpt(to string) error {
	_, _, err := c.cmd(25, "RCPT TO:<%s>", to)
	if err == nil {
		c.rcpts++
	}
	return err
}

// Data sends the message contents, and returns the per-recipient delivery
// results, in the order the recipients were accepted.
// https://tools.ietf.org/html/rfc2033#section-4.2
func (c *LMTPClient) Data(r io.Reader) ([]error, error) {
	if _, _, err := c.cmd(354, "DATA"); err != nil {
		return nil, err
	}

	w := c.text.DotWriter()
	_, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	// One reply per accepted recipient.
	results := make([]error, c.rcpts)
	for i := 0; i < c.rcpts; i++ {
		_, _, err := c.text.ReadResponse(250)
		results[i] = err
	}

	return results, nil
}

// Quit ends the session.
func (c *LMTPClient) Quit() error {
	c.cmd(221, "QUIT")
	return c.text.Close()
}
