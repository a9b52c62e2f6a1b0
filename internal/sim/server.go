package sim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

const maxLineSize = 64 << 10

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// Server exposes a Node on the network the way a LAN instrument does: one
// command per line in, one reply per line out. Connections share the node.
type Server struct {
	node           *Node
	logger         *slog.Logger
	allowedOrigins []string

	mu    sync.Mutex
	conns map[io.Closer]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for node.
func NewServer(node *Node, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		node:   node,
		logger: logger.With("component", "sim-server"),
		conns:  make(map[io.Closer]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts raw socket connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// ServeHTTP upgrades the request to a websocket carrying text frames.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	ws.SetReadLimit(maxLineSize)

	ctx := r.Context()
	s.serveConn(ctx, websocket.NetConn(ctx, ws, websocket.MessageText))
}

// serveConn executes every line read from rw and writes back the replies
// it produced.
func (s *Server) serveConn(ctx context.Context, rw io.ReadWriteCloser) {
	s.track(rw, true)
	defer s.track(rw, false)
	defer rw.Close()
	s.logger.Debug("client connected")

	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 4096), maxLineSize)
	w := bufio.NewWriter(rw)
	for sc.Scan() {
		if err := s.node.WriteLine(ctx, sc.Text()); err != nil {
			s.logger.Warn("node write", "err", err)
			return
		}
		for {
			line, err := s.node.ReadLine(ctx)
			if err != nil {
				break
			}
			w.WriteString(line)
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			s.logger.Debug("client write", "err", err)
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("client read", "err", err)
	}
	s.logger.Debug("client disconnected")
}

func (s *Server) track(c io.Closer, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
