// Package transport carries encoded brw_stats messages from collectors to
// the store daemon, either as length-delimited frames on TCP or as Kafka
// records keyed by host.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/wire"
)

var log = logging.Component("transport")

// Handler consumes decoded-on-arrival message text.
type Handler interface {
	Handle(ctx context.Context, msg string) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, msg string) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg string) error {
	return f(ctx, msg)
}

// =============================================================================
// TCP Server
// =============================================================================

// ServerConfig holds TCP server configuration.
type ServerConfig struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:9162").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// MaxFrameSize bounds a single message.
	MaxFrameSize int

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// TCPServer accepts collector connections and passes every framed message
// to the handler.
type TCPServer struct {
	cfg      ServerConfig
	handler  Handler
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewTCPServer creates a server. Listen must be called before Serve.
func NewTCPServer(cfg ServerConfig, h Handler) *TCPServer {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = config.DefaultMaxFrameSize
	}
	return &TCPServer{
		cfg:      cfg,
		handler:  h,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Listen opens the listening socket.
func (s *TCPServer) Listen() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}

	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Shutdown is called.
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.wg.Wait()
				return nil
			default:
				log.Error("accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown closes the listener and all open connections. It is safe to
// call more than once.
func (s *TCPServer) Shutdown() {
	s.once.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *TCPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn reads frames until the peer disconnects. Handler errors are
// logged and do not close the connection.
func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log.Info("connection from", "remote", remote)

	r := wire.NewFrameReader(conn, s.cfg.MaxFrameSize)
	var n int
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		msg, err := r.ReadMessage()
		if err != nil {
			if err != io.EOF {
				select {
				case <-s.shutdown:
				default:
					log.Warn("read failed, closing connection", "remote", remote, "error", err)
				}
			}
			break
		}

		n++
		if err := s.handler.Handle(ctx, msg); err != nil {
			log.Warn("message rejected", "remote", remote, "error", err)
		}
	}

	log.Info("connection closed", "remote", remote, "messages", n)
}

// =============================================================================
// TCP Publisher
// =============================================================================

// TCPPublisher sends framed messages to a store daemon, dialing lazily
// and redialing after a failed write.
//
// TCPPublisher is safe for concurrent use.
type TCPPublisher struct {
	addr        string
	redialDelay time.Duration
	dialer      net.Dialer

	mu       sync.Mutex
	conn     net.Conn
	w        *wire.FrameWriter
	lastDial time.Time
	closed   bool
}

// NewTCPPublisher creates a publisher for addr.
func NewTCPPublisher(addr string) *TCPPublisher {
	return &TCPPublisher{
		addr:        addr,
		redialDelay: config.DefaultRedialDelay,
		dialer:      net.Dialer{Timeout: config.DefaultPublishTimeout},
	}
}

// SetRedialDelay sets the minimum pause between dial attempts.
func (p *TCPPublisher) SetRedialDelay(d time.Duration) {
	p.mu.Lock()
	p.redialDelay = d
	p.mu.Unlock()
}

// Publish writes one message. A failed write drops the connection; the
// next call dials again.
func (p *TCPPublisher) Publish(ctx context.Context, host, msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ErrClosed
	}
	if p.conn == nil {
		if err := p.dial(ctx); err != nil {
			return err
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(deadline)
	} else {
		p.conn.SetWriteDeadline(time.Time{})
	}

	if err := p.w.WriteMessage(msg); err != nil {
		p.drop()
		return fmt.Errorf("write to %s: %w: %w", p.addr, errors.ErrConnectionFailed, err)
	}
	return nil
}

func (p *TCPPublisher) dial(ctx context.Context) error {
	if wait := time.Until(p.lastDial.Add(p.redialDelay)); wait > 0 {
		return fmt.Errorf("dial %s: retry in %s: %w", p.addr, wait.Round(time.Millisecond), errors.ErrConnectionFailed)
	}
	p.lastDial = time.Now()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w: %w", p.addr, errors.ErrConnectionFailed, err)
	}
	log.Info("connected", "address", p.addr)
	p.conn = conn
	p.w = wire.NewFrameWriter(conn)
	return nil
}

func (p *TCPPublisher) drop() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.w = nil
}

// Close closes the connection.
func (p *TCPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.drop()
	return nil
}
