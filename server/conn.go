package server

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"chatd/cryptox"
	"chatd/logging"
	"chatd/protocol"
	"chatd/registry"

	"github.com/google/uuid"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

// conn is one client connection. Its handler goroutine is the only reader;
// writes from the handler, relays and shutdown are serialised by writeMu.
type conn struct {
	id  string
	nc  net.Conn
	srv *Server
	log logging.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	state     connState
	user      *registry.ConnectedUser
	clientKey *rsa.PublicKey
	after     func()

	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		id:  id,
		nc:  nc,
		srv: s,
		log: s.log.With("conn_id", id, "remote", nc.RemoteAddr().String()),
	}
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Send pushes an unsolicited frame, bounded by the relay timeout so a slow
// peer cannot hold the sender's handler.
func (c *conn) Send(resp *protocol.Response) error {
	return c.write(resp, c.srv.cfg.RelayTimeout)
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		err = c.nc.Close()
	})
	return err
}

func (c *conn) session() *registry.ConnectedUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAuthenticated {
		return nil
	}
	return c.user
}

func (c *conn) authenticated() bool {
	return c.session() != nil
}

// setSession binds u to the connection. It reports false once the
// connection is closed.
func (c *conn) setSession(u *registry.ConnectedUser) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return false
	}
	c.user = u
	c.state = stateAuthenticated
	return true
}

func (c *conn) setClientKey(key *rsa.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientKey = key
}

// afterReply schedules fn to run once the current response is written.
func (c *conn) afterReply(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.after = fn
}

func (c *conn) takeAfter() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn := c.after
	c.after = nil
	return fn
}

// write encodes resp, sealing its data for clients that announced a key.
func (c *conn) write(resp *protocol.Response, timeout time.Duration) error {
	out, err := c.seal(resp)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(out)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = c.nc.Write(frame)
	return err
}

func (c *conn) seal(resp *protocol.Response) (*protocol.Response, error) {
	c.mu.Lock()
	key := c.clientKey
	c.mu.Unlock()

	if key == nil || resp.Data == nil {
		return resp, nil
	}

	plain, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, err
	}
	sealed, err := cryptox.Seal(key, plain)
	if err != nil {
		return nil, fmt.Errorf("seal response: %w", err)
	}

	out := *resp
	out.Data = sealed
	out.Encrypted = true
	return &out, nil
}

func (c *conn) reply(resp *protocol.Response) error {
	return c.write(resp, c.srv.cfg.WriteTimeout)
}

// serve runs the read, dispatch, write cycle until the client quits, the
// connection fails or the server shuts down.
func (c *conn) serve(ctx context.Context) {
	defer c.cleanup(ctx)

	c.log.Debug(ctx, "client connected")

	hello := &protocol.Response{
		Action: protocol.ActionPresence,
		Time:   time.Now().UTC(),
		Status: protocol.StatusOK,
		Data: protocol.Hello{
			PublicKey:  c.srv.keys.PublicKeyString(),
			ServerTime: time.Now().UTC(),
		},
	}
	if err := c.reply(hello); err != nil {
		c.log.Warn(ctx, "greeting failed", "err", err)
		return
	}

	r := protocol.NewReader(c.nc, c.srv.cfg.MaxFrameSize)
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout)); err != nil {
			return
		}

		frame, err := r.ReadFrame()
		if err != nil {
			c.readFailed(ctx, err)
			return
		}
		if len(frame) == 0 {
			continue
		}

		resp, closeAfter := c.srv.dispatch(ctx, c, frame)
		if err := c.reply(resp); err != nil {
			c.log.Warn(ctx, "write failed", "action", resp.Action.String(), "err", err)
			return
		}
		if fn := c.takeAfter(); fn != nil {
			fn()
		}
		if closeAfter {
			return
		}
	}
}

func (c *conn) readFailed(ctx context.Context, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		c.log.Warn(ctx, "frame too large", "limit", c.srv.cfg.MaxFrameSize)
		_ = c.reply(&protocol.Response{
			Time:   time.Now().UTC(),
			Status: protocol.StatusBadRequest,
			Error:  protocol.ErrFrameTooLarge.Error(),
		})
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		c.log.Debug(ctx, "client closed connection")
	case errors.As(err, &ne) && ne.Timeout():
		c.log.Info(ctx, "idle timeout")
	default:
		c.log.Warn(ctx, "read failed", "err", err)
	}
}

// cleanup is identical for quit, disconnect and shutdown.
func (c *conn) cleanup(ctx context.Context) {
	c.mu.Lock()
	u := c.user
	c.mu.Unlock()

	if u != nil {
		c.srv.registry.Unregister(u.Token)
	}
	c.Close()
	c.log.Debug(ctx, "connection closed")
}
