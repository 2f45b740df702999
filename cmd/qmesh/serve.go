package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"qmesh/internal/channel"
	"qmesh/internal/config"
	"qmesh/internal/crypto"
	"qmesh/internal/debuglog"
	"qmesh/internal/network"
	"qmesh/internal/opshttp"
)

var serveBindings = map[string]string{
	"server.listen_addr":   "addr",
	"server.peer_id":       "peer-id",
	"server.identity_seed": "identity-seed",
	"metrics_addr":         "metrics-addr",
}

func newServeCmd(a *app) *cobra.Command {
	var devTLS bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "answer channel opens over QUIC until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !devTLS {
				return errors.New("dev TLS disabled by default; pass --devtls to enable")
			}
			cfg, err := a.load(cmd, serveBindings)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stderr, "WARNING: using deterministic dev TLS certificates")
			seed, err := config.Seed(cfg.Server.IdentitySeed)
			if err != nil {
				return err
			}
			var identity *crypto.Identity
			if seed != nil {
				identity, err = crypto.IdentityFromSeed(seed)
			} else {
				identity, err = crypto.GenerateIdentity()
			}
			if err != nil {
				return err
			}
			peerID := cfg.Server.PeerID
			if peerID == "" {
				peerID = channel.DeriveID(identity.Pub)
			}
			resp, err := channel.NewResponder(peerID, identity, channel.ResponderOptions{})
			if err != nil {
				return err
			}
			srv, err := network.NewServer(resp, network.ServerOptions{
				MaxConnsPerIP:   cfg.Server.MaxConnsPerIP,
				MaxStreamsPerIP: cfg.Server.MaxStreamsPerIP,
			})
			if err != nil {
				return err
			}
			addr, err := srv.Listen(cfg.Server.ListenAddr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ops := opshttp.OptionsFromEnv()
			if cfg.MetricsAddr != "" || ops.Pprof {
				reg := prometheus.NewRegistry()
				if err := reg.Register(newRegistryCollector(resp.Registry())); err != nil {
					return err
				}
				if cfg.MetricsAddr != "" {
					ops.Addr = cfg.MetricsAddr
				}
				ops.Gatherer = reg
				s, err := opshttp.Start(ops)
				if err != nil {
					_ = srv.Close()
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = s.Shutdown(sctx)
				}()
			}
			fmt.Fprintf(a.stdout, "serving peer %s on %s pubkey=%s\n", peerID, addr, hex.EncodeToString(resp.PublicKey()))
			err = srv.Serve(ctx)
			debuglog.Logf("responder stopped with %d channels", resp.Registry().Len())
			return err
		},
	}
	fs := cmd.Flags()
	fs.String("addr", "", "listen address host:port")
	fs.String("peer-id", "", "peer id to answer as (default: derived from identity)")
	fs.String("identity-seed", "", "hex 32-byte identity seed (default: fresh identity)")
	fs.String("metrics-addr", "", "serve /metrics on this loopback address")
	fs.BoolVar(&devTLS, "devtls", false, "allow deterministic dev TLS certs (unsafe)")
	return cmd
}

// registryCollector reports how many channels a responder currently holds.
type registryCollector struct {
	reg  *channel.Registry
	desc *prometheus.Desc
}

func newRegistryCollector(reg *channel.Registry) *registryCollector {
	return &registryCollector{
		reg:  reg,
		desc: prometheus.NewDesc("qmesh_responder_channels", "channels held by the responder", nil, nil),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(c.reg.Len()))
}
