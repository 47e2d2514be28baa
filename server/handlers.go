package server

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"chatd/cryptox"
	"chatd/models"
	"chatd/protocol"
	"chatd/registry"

	passwordvalidator "github.com/wagslane/go-password-validator"
)

const searchLimit = 50

var loginPattern = regexp.MustCompile(`^[A-Za-z0-9_.@+-]{1,64}$`)

// handlePresence returns the server key. A client may announce its own key
// to have response data sealed for it, and may carry credentials to
// register in the same request.
func (s *Server) handlePresence(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	if req.HasData() {
		var p protocol.PresenceData
		if err := req.DecodeData(&p); err != nil {
			return nil, err
		}
		if p.PublicKey != "" {
			key, err := cryptox.ParsePublicKey(p.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
			}
			c.setClientKey(key)
		}
	}

	if req.User != nil {
		return s.handleRegister(ctx, c, req)
	}

	return protocol.Hello{
		PublicKey:  s.keys.PublicKeyString(),
		ServerTime: time.Now().UTC(),
	}, nil
}

func (s *Server) handleRegister(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	if c.authenticated() {
		return nil, fmt.Errorf("%w: already authenticated", ErrForbidden)
	}

	creds, err := credentials(req)
	if err != nil {
		return nil, err
	}
	if !loginPattern.MatchString(creds.Login) {
		return nil, fmt.Errorf("%w: login must be 1-64 characters of letters, digits and _.@+-", protocol.ErrBadRequest)
	}
	if err := passwordvalidator.Validate(creds.Password, s.cfg.MinPasswordEntropy); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
	}

	if _, err := s.store.CreateUser(ctx, creds.Login, creds.Password, creds.DisplayName); err != nil {
		return nil, err
	}
	c.log.Info(ctx, "user registered", "login", creds.Login)

	return s.login(ctx, c, creds)
}

func (s *Server) handleAuth(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	if c.authenticated() {
		return nil, fmt.Errorf("%w: already authenticated", ErrForbidden)
	}

	creds, err := credentials(req)
	if err != nil {
		return nil, err
	}
	return s.login(ctx, c, creds)
}

// login verifies credentials, issues a token and registers the session,
// replacing any other session of the same user.
func (s *Server) login(ctx context.Context, c *conn, creds *protocol.Credentials) (any, error) {
	user, err := s.store.AuthUser(ctx, creds.Login, creds.Password, c.RemoteAddr())
	if err != nil {
		c.log.Info(ctx, "authentication failed", "login", creds.Login)
		return nil, err
	}

	token, _, err := s.tokens.Issue(user.Login)
	if err != nil {
		return nil, err
	}

	sess := &registry.ConnectedUser{
		Login:       user.Login,
		DisplayName: user.DisplayName,
		Token:       token,
		Peer:        c,
		Address:     c.RemoteAddr(),
	}
	if !c.setSession(sess) {
		return nil, net.ErrClosed
	}
	if evicted := s.registry.Register(sess); evicted != nil && evicted.Peer.ID() != c.id {
		c.log.Info(ctx, "session replaced", "login", user.Login, "previous", evicted.Address)
		s.evict(ctx, evicted)
	}

	return protocol.Session{
		Login:       user.Login,
		DisplayName: user.DisplayName,
		Token:       token,
		PublicKey:   s.keys.PublicKeyString(),
	}, nil
}

func (s *Server) handleProbe(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	if sess := c.session(); sess != nil {
		s.registry.Touch(sess.Token)
	}
	return protocol.ProbeResult{
		ServerTime: time.Now().UTC(),
		Online:     s.registry.Len(),
	}, nil
}

func (s *Server) handleQuit(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	if sess := c.session(); sess != nil {
		s.registry.Unregister(sess.Token)
		c.log.Info(ctx, "client quit", "login", sess.Login)
	}
	return nil, nil
}

func (s *Server) handleContacts(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	contacts, err := s.store.GetContacts(ctx, c.session().Login)
	if err != nil {
		return nil, err
	}
	return toContacts(contacts), nil
}

// handleAddChat links the caller with another user and tells that user,
// when online, who added them.
func (s *Server) handleAddChat(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	sess := c.session()

	var target protocol.ChatTarget
	if err := req.DecodeData(&target); err != nil {
		return nil, err
	}
	if target.Login == "" {
		return nil, fmt.Errorf("%w: empty login", protocol.ErrBadRequest)
	}

	if _, err := s.store.CreateChat(ctx, sess.Login, target.Login); err != nil {
		return nil, err
	}
	peer, err := s.store.GetUser(ctx, target.Login)
	if err != nil {
		return nil, err
	}

	if p, ok := s.registry.LookupOnline(target.Login); ok {
		notice := &protocol.Response{
			Action: protocol.ActionAddChat,
			Time:   time.Now().UTC(),
			Status: protocol.StatusOK,
			Data:   protocol.Contact{Login: sess.Login, DisplayName: sess.DisplayName},
		}
		if err := p.Send(notice); err != nil {
			c.log.Warn(ctx, "contact notice failed", "to", target.Login, "err", err)
		}
	}

	return protocol.Contact{Login: peer.Login, DisplayName: peer.DisplayName}, nil
}

func (s *Server) handleDelChat(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	var target protocol.ChatTarget
	if err := req.DecodeData(&target); err != nil {
		return nil, err
	}
	if err := s.store.DeleteChat(ctx, c.session().Login, target.Login); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleMessage stores the message and relays it to the recipient when
// online. The reply carries the final delivered flag.
func (s *Server) handleMessage(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	sess := c.session()

	var in protocol.SendMessage
	if err := req.DecodeData(&in); err != nil {
		return nil, err
	}
	if in.To == "" {
		return nil, fmt.Errorf("%w: missing recipient", protocol.ErrBadRequest)
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("%w: empty message", protocol.ErrBadRequest)
	}
	if utf8.RuneCountInString(in.Text) > protocol.MaxTextLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", protocol.ErrBadRequest, protocol.MaxTextLength)
	}

	msg, err := s.store.CreateMessage(ctx, sess.Login, in.To, in.Text, false)
	if err != nil {
		return nil, err
	}

	if p, ok := s.registry.LookupOnline(in.To); ok {
		out := toMessage(*msg)
		out.Delivered = true
		push := &protocol.Response{
			Action: protocol.ActionMsg,
			Time:   time.Now().UTC(),
			Status: protocol.StatusOK,
			Data:   out,
		}
		if err := p.Send(push); err != nil {
			c.log.Warn(ctx, "relay failed", "to", in.To, "id", msg.ID, "err", err)
		} else if err := s.store.MarkDelivered(ctx, msg.ID); err != nil {
			c.log.Error(ctx, "mark delivered failed", "id", msg.ID, "err", err)
		} else {
			msg.Delivered = true
		}
	}

	return toMessage(*msg), nil
}

// handleRecv returns the caller's history, optionally narrowed to one peer,
// or with Unread set every undelivered message addressed to the caller.
func (s *Server) handleRecv(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	sess := c.session()

	var q protocol.HistoryQuery
	if err := req.DecodeData(&q); err != nil {
		return nil, err
	}

	var (
		msgs []models.Message
		err  error
	)
	switch {
	case q.Unread:
		msgs, err = s.store.PullInbox(ctx, sess.Login)
	default:
		limit := q.Limit
		if limit <= 0 || limit > s.cfg.HistoryLimit {
			limit = s.cfg.HistoryLimit
		}
		msgs, err = s.store.GetMessageHistory(ctx, sess.Login, q.Peer, q.Offset, limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out, nil
}

func (s *Server) handleSearch(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	var q protocol.SearchQuery
	if err := req.DecodeData(&q); err != nil {
		return nil, err
	}

	users, err := s.store.Search(ctx, q.Query, searchLimit)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.Contact, 0, len(users))
	for _, u := range users {
		out = append(out, protocol.Contact{Login: u.Login, DisplayName: u.DisplayName})
	}
	return out, nil
}

func (s *Server) handleServerShutdown(ctx context.Context, c *conn, req *protocol.Request) (any, error) {
	sess := c.session()
	if !s.cfg.IsAdmin(sess.Login) {
		return nil, fmt.Errorf("%w: %s is not an administrator", ErrForbidden, sess.Login)
	}

	reason := "shutdown requested by " + sess.Login
	if req.HasData() {
		var n protocol.ShutdownNotice
		if err := req.DecodeData(&n); err != nil {
			return nil, err
		}
		if n.Reason != "" {
			reason = n.Reason
		}
	}

	c.log.Info(ctx, "shutdown requested", "login", sess.Login, "reason", reason)
	c.afterReply(func() { go s.Shutdown(reason) })
	return protocol.ShutdownNotice{Reason: reason}, nil
}

// credentials reads login and password from the envelope's user field,
// falling back to the data payload.
func credentials(req *protocol.Request) (*protocol.Credentials, error) {
	creds := req.User
	if creds == nil {
		creds = &protocol.Credentials{}
		if err := req.DecodeData(creds); err != nil {
			return nil, err
		}
	}
	if creds.Login == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: login and password required", protocol.ErrBadRequest)
	}
	return creds, nil
}

func toMessage(m models.Message) protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		From:      m.Sender,
		To:        m.Recipient,
		Text:      m.Content,
		Time:      m.SentAt,
		Delivered: m.Delivered,
	}
}

func toContacts(contacts []models.Contact) []protocol.Contact {
	out := make([]protocol.Contact, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, protocol.Contact{Login: c.Login, DisplayName: c.DisplayName})
	}
	return out
}
