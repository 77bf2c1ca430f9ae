// Package proxy terminates agent traffic. Plain HTTP requests go straight to
// the coordinator; CONNECT tunnels are hijacked and re-terminated with a leaf
// certificate from the authority so the decrypted requests can be inspected,
// then re-encrypted toward the real server.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/phact/agentsitter/service/authority"
)

// Handler receives each decrypted request together with the scheme the agent
// used toward the real server.
type Handler interface {
	Handle(w http.ResponseWriter, r *http.Request, scheme string)
}

// Server is the interception listener.
type Server struct {
	authority *authority.Manager
	handler   Handler
	logger    *slog.Logger

	handshakeTimeout time.Duration

	outer *http.Server

	mu      sync.Mutex
	tunnels map[net.Conn]struct{}
	closed  bool
}

// Option customises the server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHandshakeTimeout bounds the TLS handshake on hijacked tunnels.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// New creates an interception server terminating TLS with certificates from
// the given authority and handing every request to handler.
func New(auth *authority.Manager, handler Handler, options ...Option) *Server {
	ret := &Server{
		authority:        auth,
		handler:          handler,
		logger:           slog.Default(),
		handshakeTimeout: 10 * time.Second,
		tunnels:          map[net.Conn]struct{}{},
	}
	for _, option := range options {
		option(ret)
	}
	ret.outer = &http.Server{
		Handler:  ret,
		ErrorLog: slog.NewLogLogger(ret.logger.Handler(), slog.LevelWarn),
	}
	return ret
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.outer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown drains the listener and closes all hijacked tunnels.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.tunnels {
		_ = conn.Close()
	}
	s.mu.Unlock()
	return s.outer.Shutdown(ctx)
}

// ServeHTTP dispatches between the plain path and CONNECT tunnels.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handler.Handle(w, r, "http")
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tunnels[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tunnels, conn)
}

// handleConnect hijacks the tunnel, terminates TLS with a leaf for the SNI
// (falling back to the CONNECT target) and serves decrypted requests until
// the agent hangs up. A failed handshake or malformed request closes this
// tunnel only.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "443"
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		s.logger.Error("response writer does not support hijacking")
		http.Error(w, "tunneling unsupported", http.StatusInternalServerError)
		return
	}
	conn, buffered, err := hijacker.Hijack()
	if err != nil {
		s.logger.Error("hijack failed", "target", r.Host, "error", err)
		http.Error(w, "tunneling failed", http.StatusInternalServerError)
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()

	if buffered.Reader.Buffered() > 0 {
		// The client must not speak before the 200; anything already
		// buffered is a protocol violation.
		s.logger.Warn("client sent data before tunnel established", "remote", conn.RemoteAddr())
		return
	}
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	tlsConn := tls.Server(conn, s.authority.TLSConfig(host))
	handshakeCtx, cancel := context.WithTimeout(r.Context(), s.handshakeTimeout)
	err = tlsConn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		s.logger.Warn("tunnel handshake failed", "target", r.Host, "error", err)
		return
	}

	s.serveTunnel(tlsConn, host, port)
}

// serveTunnel runs a one-connection HTTP server over the decrypted tunnel so
// keep-alive, chunked bodies and malformed-request handling follow standard
// server semantics.
func (s *Server) serveTunnel(tlsConn *tls.Conn, host, port string) {
	ln := newTunnelListener(tlsConn)
	inner := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			restoreTarget(r, host, port)
			s.handler.Handle(w, r, "https")
		}),
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				ln.release()
			}
		},
	}
	_ = inner.Serve(ln)
}

// restoreTarget rebuilds the original destination on a tunneled request: the
// Host header usually repeats the CONNECT host without the port.
func restoreTarget(r *http.Request, host, port string) {
	if r.Host == "" {
		r.Host = host
	}
	if port == "443" {
		return
	}
	if _, _, err := net.SplitHostPort(r.Host); err != nil {
		r.Host = net.JoinHostPort(r.Host, port)
	}
}

// tunnelListener yields exactly one connection and then blocks until that
// connection is fully served, so the inner Serve call returns when the
// tunnel ends.
type tunnelListener struct {
	conn net.Conn
	once sync.Once
	rel  sync.Once
	done chan struct{}
}

func newTunnelListener(conn net.Conn) *tunnelListener {
	return &tunnelListener{conn: conn, done: make(chan struct{})}
}

func (l *tunnelListener) Accept() (net.Conn, error) {
	var conn net.Conn
	l.once.Do(func() { conn = l.conn })
	if conn != nil {
		return conn, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *tunnelListener) release() {
	l.rel.Do(func() { close(l.done) })
}

func (l *tunnelListener) Close() error {
	l.release()
	return nil
}

func (l *tunnelListener) Addr() net.Addr { return l.conn.LocalAddr() }
