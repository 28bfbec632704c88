// Package controlchannel implements the UNIX-domain socket protocol
// between bansheectl and bansheed: a sequential accept loop, a command
// dispatch table, and the client-side start/restart/reload orchestration
// with its exponential-backoff wait loop.
package controlchannel

import (
	"errors"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/banshee-ips/banshee/internal/wire"
)

// Reply is the response to one command: Status 0 means success; non-zero
// Payload carries an error-kind tag plus message.
type Reply struct {
	Status  int
	Payload string
}

// Handler answers one command (the ordered token list) with a Reply.
type Handler func(args []string) Reply

// Server listens on a UNIX-domain socket and serves commands sequentially,
// one connection at a time, matching the source's single control socket
// (multiple simultaneous administrative sessions were never a goal).
type Server struct {
	path    string
	handler Handler
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer returns a Server bound to socketPath once Serve is called.
func NewServer(socketPath string, handler Handler, log zerolog.Logger) *Server {
	return &Server{path: socketPath, handler: handler, log: log}
}

// Serve removes any stale socket file, listens, and accepts connections
// until Close is called. It blocks the calling goroutine.
func (s *Server) Serve() error {
	if err := os.RemoveAll(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				return err
			}
			continue
		}
		s.serveConn(conn)
	}
}

// serveConn handles a single command on conn and closes it; the protocol
// is one command per connection, mirroring fail2ban-client's usage.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	args, err := wire.ReadCommand(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("controlchannel: failed to read command")
		return
	}

	reply := s.handler(args)
	if err := writeReply(conn, reply); err != nil {
		s.log.Warn().Err(err).Msg("controlchannel: failed to write reply")
	}
}

func writeReply(conn net.Conn, r Reply) error {
	return wire.WriteCommand(conn, []string{strconv.Itoa(r.Status), r.Payload})
}

// Close stops accepting new connections and unlinks the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	_ = os.RemoveAll(s.path)
	return err
}
