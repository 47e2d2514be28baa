// Package control serves the local administration socket. Each connection
// carries one command line of the form CMD|arg|arg and gets one reply line
// starting with OK| or ERROR|.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatd/logging"
	"chatd/models"
	"chatd/server"
)

const (
	defaultHistoryLimit = 20
	acceptRetryDelay    = 50 * time.Millisecond
)

type Server interface {
	Stats() server.Stats
	Shutdown(reason string)
}

type History interface {
	ConnectionHistory(ctx context.Context, login string, limit int) ([]models.ConnectionRecord, error)
}

type Socket struct {
	path    string
	srv     Server
	history History
	log     logging.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(path string, srv Server, history History, log logging.Logger) *Socket {
	return &Socket{path: path, srv: srv, history: history, log: log}
}

// Listen binds the socket, replacing a stale file left by a previous run.
func (s *Socket) Listen() error {
	os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve handles commands until ctx is done or Close is called.
func (s *Socket) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control socket not listening")
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info(ctx, "control socket listening", "path", s.path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn(ctx, "control accept failed", "err", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Socket) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	os.Remove(s.path)
	return err
}

func (s *Socket) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	s.log.Info(ctx, "control command", "cmd", parts[0])

	reply, after := s.run(ctx, parts)
	conn.Write([]byte(reply + "\n"))

	if after != nil {
		after()
	}
}

// run executes one command. The returned func runs after the reply is
// written.
func (s *Socket) run(ctx context.Context, parts []string) (string, func()) {
	arg := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	switch parts[0] {
	case "stats":
		st := s.srv.Stats()
		return fmt.Sprintf("OK|connections=%d,online=%s,uptime=%s",
			st.Connections, strings.Join(st.Online, ";"), st.Uptime), nil

	case "history":
		login := arg(1)
		if login == "" {
			return "ERROR|Usage: history|login[|limit]", nil
		}
		limit := defaultHistoryLimit
		if v := arg(2); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return "ERROR|Invalid limit", nil
			}
			limit = n
		}

		records, err := s.history.ConnectionHistory(ctx, login, limit)
		if err != nil {
			return "ERROR|" + err.Error(), nil
		}
		entries := make([]string, 0, len(records))
		for _, r := range records {
			entries = append(entries, r.Address+"@"+r.ConnectedAt.UTC().Format(time.RFC3339))
		}
		return "OK|" + strings.Join(entries, ";"), nil

	case "shutdown":
		reason := arg(1)
		if reason == "" {
			reason = "maintenance"
		}
		return "OK|Shutting down", func() { s.srv.Shutdown(reason) }

	default:
		return "ERROR|Unknown command", nil
	}
}
