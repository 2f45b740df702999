// Package opshttp serves the operator endpoints of a node: Prometheus
// metrics and, when asked for, net/http/pprof.
package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"qmesh/internal/debuglog"
)

const DefaultAddr = "127.0.0.1:6060"

type Options struct {
	Addr string
	// AllowPublic permits binding a non-loopback address.
	AllowPublic bool
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Pprof    bool
	Logger   *zerolog.Logger
}

// OptionsFromEnv reads QMESH_PPROF, QMESH_PPROF_ADDR and QMESH_PPROF_ALLOW_PUBLIC.
func OptionsFromEnv() Options {
	addr := strings.TrimSpace(os.Getenv("QMESH_PPROF_ADDR"))
	if addr == "" {
		addr = DefaultAddr
	}
	return Options{
		Addr:        addr,
		AllowPublic: strings.TrimSpace(os.Getenv("QMESH_PPROF_ALLOW_PUBLIC")) == "1",
		Pprof:       strings.TrimSpace(os.Getenv("QMESH_PPROF")) == "1",
	}
}

type Server struct {
	srv  *http.Server
	addr string
	done chan struct{}
}

func Start(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if !opts.Pprof && opts.Gatherer == nil {
		return nil, errors.New("no endpoints enabled")
	}
	if !opts.AllowPublic && !isLoopbackBind(opts.Addr) {
		return nil, fmt.Errorf("ops address must be loopback unless public binding is allowed: %s", opts.Addr)
	}
	log := debuglog.Logger("opshttp")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	mux := http.NewServeMux()
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("ops listen failed: %w", err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr: ln.Addr().String(),
		done: make(chan struct{}),
	}
	log.Info().Str("addr", s.addr).Bool("pprof", opts.Pprof).Bool("metrics", opts.Gatherer != nil).Msg("ops http ready")
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops http stopped")
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
