package protocol

import (
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"
)

// Server is the RESP listener. redcon handles connection fan-out and
// pipelining; each accepted connection carries a ConnState for the ASKING
// flag.
type Server struct {
	addr string
	srv  *redcon.Server
}

// NewServer builds the listener around the handler.
func NewServer(addr string, handler *Handler) *Server {
	s := &Server{addr: addr}
	s.srv = redcon.NewServer(addr, handler.Handle, s.accept, s.closed)
	return s
}

// ListenAndServe blocks serving clients until Close.
func (s *Server) ListenAndServe() error {
	log.WithField("addr", s.addr).Info("listening for clients")
	return s.srv.ListenAndServe()
}

// ListenServeAndSignal reports readiness (or a bind error) on sig.
func (s *Server) ListenServeAndSignal(sig chan error) error {
	log.WithField("addr", s.addr).Info("listening for clients")
	return s.srv.ListenServeAndSignal(sig)
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) accept(conn redcon.Conn) bool {
	conn.SetContext(&ConnState{})
	log.WithField("remote", conn.RemoteAddr()).Debug("client connected")
	return true
}

func (s *Server) closed(conn redcon.Conn, err error) {
	entry := log.WithField("remote", conn.RemoteAddr())
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("client disconnected")
}
