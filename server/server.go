package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"chatd/config"
	"chatd/cryptox"
	"chatd/logging"
	"chatd/models"
	"chatd/protocol"
	"chatd/registry"

	"golang.org/x/sync/semaphore"
)

var ErrServerClosed = errors.New("server closed")

// Store is the persistence the server needs. *db.DB implements it.
type Store interface {
	CreateUser(ctx context.Context, login, password, displayName string) (*models.User, error)
	AuthUser(ctx context.Context, login, password, address string) (*models.User, error)
	GetUser(ctx context.Context, login string) (*models.User, error)
	CreateChat(ctx context.Context, a, b string) (*models.Chat, error)
	DeleteChat(ctx context.Context, a, b string) error
	GetContacts(ctx context.Context, login string) ([]models.Contact, error)
	CreateMessage(ctx context.Context, sender, recipient, content string, delivered bool) (*models.Message, error)
	MarkDelivered(ctx context.Context, id int64) error
	GetMessageHistory(ctx context.Context, login, peer string, offset, limit int) ([]models.Message, error)
	PullInbox(ctx context.Context, login string) ([]models.Message, error)
	Search(ctx context.Context, fragment string, limit int) ([]models.User, error)
}

type Server struct {
	cfg      *config.Config
	store    Store
	registry *registry.Registry
	keys     *cryptox.KeyPair
	tokens   *cryptox.Tokens
	log      logging.Logger
	routes   map[protocol.Action]route
	sem      *semaphore.Weighted
	started  time.Time

	mu      sync.Mutex
	ln      net.Listener
	conns   map[string]*conn
	closing bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, store Store, reg *registry.Registry, keys *cryptox.KeyPair, tokens *cryptox.Tokens, log logging.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		keys:     keys,
		tokens:   tokens,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		started:  time.Now(),
		conns:    make(map[string]*conn),
	}
	s.routes = s.buildRoutes()
	return s
}

// ListenAndServe listens on the configured TCP address and serves until ctx
// is done or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. At most PoolSize connections are served
// at once; further clients wait in the listen backlog. Serve returns after
// every connection handler has exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Shutdown("server stopped") })
	defer stop()
	defer s.wg.Wait()

	s.log.Info(ctx, "chatd server started", "addr", ln.Addr().String(), "pool", s.cfg.PoolSize)

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		nc, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn(ctx, "accept failed", "err", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.Shutdown("listener failed")
			return err
		}

		c := newConn(s, nc)
		if !s.track(c) {
			nc.Close()
			s.sem.Release(1)
			continue
		}

		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.untrack(c)
			c.serve(ctx)
		}()
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting, tells every connected client why and closes
// their connections. It does not wait for handlers; Serve does. Calls after
// the first are no-ops.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	ln, cancel := s.ln, s.cancel
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info(context.Background(), "server shutting down", "reason", reason, "connections", len(conns))

	if ln != nil {
		ln.Close()
	}

	notice := &protocol.Response{
		Action: protocol.ActionServerShutdown,
		Time:   time.Now().UTC(),
		Status: protocol.StatusOK,
		Data:   protocol.ShutdownNotice{Reason: reason},
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			_ = c.write(notice, s.cfg.WriteTimeout)
			c.Close()
		}(c)
	}
	wg.Wait()

	if cancel != nil {
		cancel()
	}
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Connections int
	Online      []string
	Uptime      time.Duration
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()

	users := s.registry.List()
	online := make([]string, 0, len(users))
	for _, u := range users {
		online = append(online, u.Login)
	}
	sort.Strings(online)

	return Stats{
		Connections: n,
		Online:      online,
		Uptime:      time.Since(s.started).Truncate(time.Second),
	}
}
