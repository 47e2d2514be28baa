package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatd/cryptox"
	"chatd/db"
	"chatd/protocol"
	"chatd/registry"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type handlerFunc func(ctx context.Context, c *conn, req *protocol.Request) (any, error)

type route struct {
	// auth routes run only after guard accepts the request.
	auth   bool
	closes bool
	handle handlerFunc
}

func (s *Server) buildRoutes() map[protocol.Action]route {
	return map[protocol.Action]route{
		protocol.ActionPresence:       {handle: s.handlePresence},
		protocol.ActionRegister:       {handle: s.handleRegister},
		protocol.ActionAuth:           {handle: s.handleAuth},
		protocol.ActionProbe:          {handle: s.handleProbe},
		protocol.ActionQuit:           {handle: s.handleQuit, closes: true},
		protocol.ActionContacts:       {auth: true, handle: s.handleContacts},
		protocol.ActionAddChat:        {auth: true, handle: s.handleAddChat},
		protocol.ActionDelChat:        {auth: true, handle: s.handleDelChat},
		protocol.ActionMsg:            {auth: true, handle: s.handleMessage},
		protocol.ActionRecv:           {auth: true, handle: s.handleRecv},
		protocol.ActionSearch:         {auth: true, handle: s.handleSearch},
		protocol.ActionServerShutdown: {auth: true, handle: s.handleServerShutdown},
	}
}

// dispatch turns one frame into exactly one response. It never returns an
// error: every failure becomes a status code.
func (s *Server) dispatch(ctx context.Context, c *conn, frame []byte) (*protocol.Response, bool) {
	req, err := protocol.Decode(frame)
	if err != nil {
		c.log.Debug(ctx, "bad request", "err", err)
		return s.errorResponse(ctx, c, &protocol.Request{ID: protocol.PeekID(frame)}, err), false
	}

	if req.Encrypted {
		if err := s.openData(req); err != nil {
			return s.errorResponse(ctx, c, req, err), false
		}
	}

	rt, ok := s.routes[req.Action]
	if !ok {
		return s.errorResponse(ctx, c, req, &protocol.UnknownActionError{Name: req.Action.String()}), false
	}

	if rt.auth {
		if err := s.guard(c, req); err != nil {
			return s.errorResponse(ctx, c, req, err), false
		}
	}

	data, err := rt.handle(ctx, c, req)
	if err != nil {
		return s.errorResponse(ctx, c, req, err), false
	}

	return &protocol.Response{
		ID:     req.ID,
		Action: req.Action,
		Time:   time.Now().UTC(),
		Status: protocol.StatusOK,
		Data:   data,
	}, rt.closes
}

// guard admits a request when the connection is authenticated and the token
// is the live registry session owned by this connection.
func (s *Server) guard(c *conn, req *protocol.Request) error {
	sess := c.session()
	if sess == nil {
		return fmt.Errorf("%w: not authenticated", ErrUnauthorized)
	}
	if req.Token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	login, _, err := s.tokens.Parse(req.Token)
	if err != nil {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	u, ok := s.registry.LookupByToken(req.Token)
	if !ok || u.Login != login || u.Peer.ID() != c.id || u != sess {
		return fmt.Errorf("%w: session expired", ErrUnauthorized)
	}

	s.registry.Touch(req.Token)
	return nil
}

func (s *Server) openData(req *protocol.Request) error {
	var sealed string
	if err := json.Unmarshal(req.Data, &sealed); err != nil {
		return fmt.Errorf("%w: encrypted data must be a string", protocol.ErrBadRequest)
	}
	plain, err := s.keys.Open(sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
	}
	req.Data = plain
	req.Encrypted = false
	return nil
}

func (s *Server) errorResponse(ctx context.Context, c *conn, req *protocol.Request, err error) *protocol.Response {
	status, reason := s.translate(ctx, c, req.Action, err)
	return &protocol.Response{
		ID:     req.ID,
		Action: req.Action,
		Time:   time.Now().UTC(),
		Status: status,
		Error:  reason,
	}
}

// translate maps store, registry and protocol failures onto the closed
// status vocabulary.
func (s *Server) translate(ctx context.Context, c *conn, action protocol.Action, err error) (protocol.Status, string) {
	switch {
	case errors.Is(err, ErrForbidden):
		return protocol.StatusForbidden, err.Error()
	case errors.Is(err, ErrUnauthorized), errors.Is(err, db.ErrNotAuthorized), errors.Is(err, cryptox.ErrInvalidToken):
		return protocol.StatusUnauthorized, err.Error()
	case errors.Is(err, protocol.ErrBadRequest),
		errors.Is(err, db.ErrNotExists),
		errors.Is(err, db.ErrAlreadyExists),
		errors.Is(err, db.ErrInvalidInput):
		return protocol.StatusBadRequest, err.Error()
	}

	c.log.Error(ctx, "request failed", "action", action.String(), "err", err)
	return protocol.StatusBadRequest, "internal error"
}

func (s *Server) evict(ctx context.Context, u *registry.ConnectedUser) {
	notice := &protocol.Response{
		Action: protocol.ActionQuit,
		Time:   time.Now().UTC(),
		Status: protocol.StatusUnauthorized,
		Error:  "session replaced",
	}
	if err := u.Peer.Send(notice); err != nil {
		s.log.Debug(ctx, "evict notice failed", "login", u.Login, "err", err)
	}
	u.Peer.Close()
}
