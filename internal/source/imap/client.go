package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/source"
)

// DialFunc opens an unauthenticated connection to addr.
type DialFunc func(addr string) (*imapclient.Client, error)

// conn is one pooled session together with the mailbox it has selected.
type conn struct {
	client   *imapclient.Client
	selected string
}

func (c *conn) close() {
	if c.client == nil {
		return
	}
	_ = c.client.Logout().Wait()
	_ = c.client.Close()
	c.client = nil
	c.selected = ""
}

// selectMailbox examines name read-only unless it is already selected.
func (c *conn) selectMailbox(name string) error {
	if c.selected == name {
		return nil
	}
	if _, err := c.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		c.selected = ""
		return fmt.Errorf("selecting %s: %w", name, err)
	}
	c.selected = name
	return nil
}

// pool hands out a bounded number of logged-in sessions. Sessions are
// dialed lazily and dropped after a connection-level failure.
type pool struct {
	addr     string
	username string
	password string
	dial     DialFunc
	slots    chan *conn
	size     int
}

func newPool(addr, username, password string, size int, dial DialFunc) *pool {
	if size < 1 {
		size = 1
	}
	p := &pool{
		addr:     addr,
		username: username,
		password: password,
		dial:     dial,
		slots:    make(chan *conn, size),
		size:     size,
	}
	for range size {
		p.slots <- &conn{}
	}
	return p
}

// with runs fn on a free session, connecting first if needed.
func (p *pool) with(ctx context.Context, fn func(*conn) error) error {
	var c *conn
	select {
	case c = <-p.slots:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.slots <- c }()

	if c.client == nil {
		client, err := p.connect()
		if err != nil {
			return err
		}
		c.client = client
	}

	// Commands take no context; closing the socket is what unblocks them.
	client := c.client
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	err := fn(c)
	if !stop() {
		c.client = nil
		c.selected = ""
		if err != nil {
			return ctx.Err()
		}
		return nil
	}
	if err != nil && isConnError(err) {
		c.close()
	}
	return err
}

func (p *pool) connect() (*imapclient.Client, error) {
	client, err := p.dial(p.addr)
	if err != nil {
		return nil, &source.TransientError{
			SourceType: source.TypeIMAP,
			Err:        fmt.Errorf("connecting to IMAP %s: %w", p.addr, err),
		}
	}

	if err := client.Login(p.username, p.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		if isConnError(err) {
			return nil, &source.TransientError{SourceType: source.TypeIMAP, Err: fmt.Errorf("logging in: %w", err)}
		}
		return nil, &source.AuthError{
			SourceType: source.TypeIMAP,
			Message:    fmt.Sprintf("authentication failed for %s", p.username),
			Err:        err,
		}
	}
	return client, nil
}

// close logs out every session. It waits for sessions in use.
func (p *pool) close() {
	for range p.size {
		c := <-p.slots
		c.close()
	}
}

// isConnError reports failures of the connection itself, as opposed to a
// NO or BAD reply from the server.
func isConnError(err error) bool {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// classifyError sorts an IMAP failure into the source error kinds.
func classifyError(err error, op string) error {
	if err == nil {
		return nil
	}
	if source.IsAuthError(err) || source.IsTransient(err) || source.IsNotFound(err) || errors.Is(err, context.Canceled) {
		return err
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
			return fmt.Errorf("%s: %w: %w", op, source.ErrNotFound, err)
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return &source.AuthError{SourceType: source.TypeIMAP, Message: op, Err: err}
		case imap.ResponseCodeUnavailable, imap.ResponseCodeServerBug, imap.ResponseCodeLimit, imap.ResponseCodeInUse:
			return &source.TransientError{SourceType: source.TypeIMAP, Err: fmt.Errorf("%s: %w", op, err)}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if isConnError(err) || errors.Is(err, context.DeadlineExceeded) {
		return &source.TransientError{SourceType: source.TypeIMAP, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
