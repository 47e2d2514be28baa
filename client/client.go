// Package client is a Go client for the chatd protocol. Requests are
// matched to replies by id; unsolicited frames such as relayed messages go
// to the handlers registered with OnPush.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chatd/cryptox"
	"chatd/protocol"
)

var ErrClosed = errors.New("client closed")

// StatusError is a reply with a status other than ok.
type StatusError struct {
	Action protocol.Action
	Status protocol.Status
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Action, e.Status, e.Reason)
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status protocol.Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

type Client struct {
	conn   net.Conn
	reader *protocol.Reader

	sendMu  sync.Mutex
	seq     atomic.Uint64
	timeout time.Duration

	mu        sync.Mutex
	pending   map[uint64]chan *protocol.Reply
	handlers  map[protocol.Action][]func(*protocol.Reply)
	token     string
	serverKey string
	keys      *cryptox.KeyPair
	encrypt   bool
	closed    bool
	err       error

	done chan struct{}
}

type Option func(*Client)

// WithTimeout bounds each write to the server.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to addr and waits for the server greeting.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the protocol over an established connection. It reads the
// greeting before returning.
func NewClient(conn net.Conn, opts ...Option) (*Client, error) {
	c := &Client{
		conn:     conn,
		reader:   protocol.NewReader(conn, 1<<20),
		timeout:  10 * time.Second,
		pending:  make(map[uint64]chan *protocol.Reply),
		handlers: make(map[protocol.Action][]func(*protocol.Reply)),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout))
	greeting, err := c.readReply()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if greeting.Action != protocol.ActionPresence || greeting.Status != protocol.StatusOK {
		return nil, fmt.Errorf("unexpected greeting %s/%s", greeting.Action, greeting.Status)
	}
	var hello protocol.Hello
	if err := greeting.DecodeData(&hello); err != nil {
		return nil, fmt.Errorf("decode greeting: %w", err)
	}
	c.serverKey = hello.PublicKey

	go c.readLoop()
	return c, nil
}

// ServerKey returns the public key announced in the greeting.
func (c *Client) ServerKey() string {
	return c.serverKey
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnPush registers a handler for unsolicited frames of the given action.
func (c *Client) OnPush(action protocol.Action, handler func(*protocol.Reply)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[action] = append(c.handlers[action], handler)
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readReply() (*protocol.Reply, error) {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}

		var r protocol.Reply
		if err := json.Unmarshal(frame, &r); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		if r.Encrypted {
			if err := c.open(&r); err != nil {
				return nil, err
			}
		}
		return &r, nil
	}
}

func (c *Client) open(r *protocol.Reply) error {
	c.mu.Lock()
	keys := c.keys
	c.mu.Unlock()
	if keys == nil {
		return errors.New("encrypted reply without a client key")
	}

	var sealed string
	if err := json.Unmarshal(r.Data, &sealed); err != nil {
		return fmt.Errorf("encrypted reply: %w", err)
	}
	plain, err := keys.Open(sealed)
	if err != nil {
		return err
	}
	r.Data = plain
	r.Encrypted = false
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		r, err := c.readReply()
		if err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = err
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		if ok && r.ID != 0 {
			delete(c.pending, r.ID)
		}
		handlers := c.handlers[r.Action]
		c.mu.Unlock()

		if ok && r.ID != 0 {
			ch <- r
			continue
		}
		for _, h := range handlers {
			go h(r)
		}
	}
}

// call sends one request and waits for its reply.
func (c *Client) call(ctx context.Context, action protocol.Action, user *protocol.Credentials, data any) (*protocol.Reply, error) {
	id := c.seq.Add(1)
	ch := make(chan *protocol.Reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	token, encrypt := c.token, c.encrypt
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := protocol.Request{
		ID:     id,
		Action: action,
		Time:   time.Now().UTC(),
		Token:  token,
		User:   user,
	}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		if encrypt {
			if payload, err = c.sealForServer(payload); err != nil {
				return nil, err
			}
			req.Encrypted = true
		}
		req.Data = payload
	}

	frame, err := protocol.Encode(&req)
	if err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err = c.conn.Write(frame)
	c.sendMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.Status != protocol.StatusOK {
			return r, &StatusError{Action: action, Status: r.Status, Reason: r.Error}
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

func (c *Client) sealForServer(payload []byte) ([]byte, error) {
	pub, err := cryptox.ParsePublicKey(c.serverKey)
	if err != nil {
		return nil, err
	}
	sealed, err := cryptox.Seal(pub, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealed)
}
