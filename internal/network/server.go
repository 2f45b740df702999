package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"qmesh/internal/debuglog"
	"qmesh/internal/proto"
)

const (
	errCodeRefused quic.ApplicationErrorCode = 0x10

	defaultMaxConnsPerIP   = 64
	defaultMaxStreamsPerIP = 256
)

// Handler answers one request frame. A nil or empty reply closes the stream silently.
type Handler interface {
	Handle(req []byte) []byte
}

type HandlerFunc func(req []byte) []byte

func (f HandlerFunc) Handle(req []byte) []byte { return f(req) }

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	// MaxRequestSize bounds request frames. Zero means proto.MaxOpenSize.
	MaxRequestSize int
	Logger         *zerolog.Logger
}

type Server struct {
	handler  Handler
	tlsConf  *tls.Config
	quicConf *quic.Config
	limiter  *ipLimiter
	maxReq   int
	log      zerolog.Logger

	mu       sync.Mutex
	listener *quic.Listener
	wg       sync.WaitGroup
}

func NewServer(h Handler, opts ServerOptions) (*Server, error) {
	if h == nil {
		return nil, errors.New("missing handler")
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = proto.MaxOpenSize
	}
	log := debuglog.Logger("server")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Server{
		handler: h,
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		maxReq:  opts.MaxRequestSize,
		log:     log,
	}, nil
}

// Listen binds addr and returns the bound address, useful with port 0.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := quic.ListenAddr(addr, s.tlsConf, s.quicConf)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	return ln.Addr(), nil
}

// Serve accepts connections until ctx ends. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server not listening")
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
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

func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- struct{}) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	return s.Serve(ctx)
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	ip := remoteIP(conn.RemoteAddr())
	if !s.limiter.acquireConn(ip) {
		debuglog.RateLimitedf("conncap:"+ip, 5*time.Second, "refusing connection from %s: cap reached", ip)
		_ = conn.CloseWithError(errCodeRefused, "too many connections")
		return
	}
	defer s.limiter.releaseConn(ip)
	var streams sync.WaitGroup
	defer streams.Wait()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.CloseWithError(0, "server shutdown")
			}
			return
		}
		if !s.limiter.acquireStream(ip) {
			debuglog.RateLimitedf("streamcap:"+ip, 5*time.Second, "refusing stream from %s: cap reached", ip)
			stream.CancelRead(quic.StreamErrorCode(errCodeRefused))
			stream.CancelWrite(quic.StreamErrorCode(errCodeRefused))
			continue
		}
		streams.Add(1)
		go func() {
			defer streams.Done()
			defer s.limiter.releaseStream(ip)
			s.serveStream(stream)
		}()
	}
}

func (s *Server) serveStream(stream *quic.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamRWTimeout))
	req, err := proto.ReadFrameMax(stream, s.maxReq)
	if err != nil {
		s.log.Debug().Err(err).Msg("read request")
		stream.CancelRead(0)
		return
	}
	resp := s.handler.Handle(req)
	if len(resp) == 0 {
		return
	}
	if err := proto.WriteFrame(stream, resp); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
