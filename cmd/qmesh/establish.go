package main

import (
	"context"
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
	"qmesh/internal/engine"
	"qmesh/internal/metrics"
	"qmesh/internal/network"
	"qmesh/internal/opshttp"
	"qmesh/internal/store"
)

var clientBindings = map[string]string{
	"client.min_fidelity":         "min-fidelity",
	"client.insecure_skip_verify": "insecure",
	"client.devtls_ca_path":       "ca",
	"client.identity_seed":        "identity-seed",
	"journal":                     "journal",
}

func newEstablishCmd(a *app) *cobra.Command {
	var (
		loopback  bool
		failFirst int
		failRate  float64
		asJSON    bool
		retry     bool
	)
	cmd := &cobra.Command{
		Use:   "establish [peer...]",
		Short: "open secure channels to many peers in parallel",
		Long: "Open a channel to every listed peer, or to every configured peer when none are " +
			"listed. Exits 2 when any peer failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd, mergeBindings(policyBindings, clientBindings))
			if err != nil {
				return err
			}
			journal, err := openJournal(cfg.Journal)
			if err != nil {
				return err
			}
			peers := args
			if retry {
				if journal == nil {
					return errors.New("--retry-failed needs a journal")
				}
				last, ok, err := journal.Last()
				if err != nil {
					return err
				}
				if !ok || len(last.FailedPeers) == 0 {
					fmt.Fprintln(a.stdout, "nothing to retry")
					return nil
				}
				peers = last.FailedPeers
			}
			if len(peers) == 0 {
				peers = cfg.Client.PeerIDs()
			}
			if len(peers) == 0 {
				return errors.New("no peers given and none configured")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var transport channel.Transport
			if loopback {
				opts := channel.LoopbackOptions{FailRate: failRate}
				if failFirst > 0 {
					opts.FailFirst = make(map[string]int, len(peers))
					for _, id := range peers {
						opts.FailFirst[id] = failFirst
					}
				}
				mesh, err := channel.NewLoopbackMesh(peers, opts)
				if err != nil {
					return err
				}
				transport = mesh
			} else {
				tr, err := network.NewTransport(network.TransportOptions{
					Peers:              cfg.Client.PeerAddrs(),
					InsecureSkipVerify: cfg.Client.InsecureSkipVerify,
					DevTLSCAPath:       cfg.Client.DevTLSCAPath,
				})
				if err != nil {
					return err
				}
				defer tr.Close()
				transport = tr
			}
			client, err := newClient(transport, cfg.Client)
			if err != nil {
				return err
			}
			report, err := runBatch(ctx, client, peers, cfg)
			if err != nil {
				return err
			}
			if journal != nil {
				if err := journal.Append(journalRecord(report)); err != nil {
					return fmt.Errorf("journal: %w", err)
				}
			}
			if asJSON {
				if err := writeReportJSON(a.stdout, report); err != nil {
					return err
				}
			} else {
				writeReport(a.stdout, report)
			}
			if report.FailedCount > 0 {
				return exitError{code: 2}
			}
			return nil
		},
	}
	fs := cmd.Flags()
	addPolicyFlags(fs)
	fs.Float64("min-fidelity", 0, "reject channels whose fidelity scores below this")
	fs.Bool("insecure", false, "skip TLS verification of peers")
	fs.String("ca", "", "PEM file of trusted TLS roots (default: built-in dev certificate)")
	fs.String("identity-seed", "", "hex 32-byte identity seed (default: fresh identity)")
	fs.BoolVar(&loopback, "loopback", false, "use an in-process mesh instead of QUIC")
	fs.IntVar(&failFirst, "fail-first", 0, "loopback: fail the first N exchanges with every peer")
	fs.Float64Var(&failRate, "fail-rate", 0, "loopback: probability that an exchange fails")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")
	fs.String("journal", "", "append a summary of every batch to this JSONL file")
	fs.BoolVar(&retry, "retry-failed", false, "re-run the peers that failed in the last journaled batch")
	return cmd
}

func openJournal(path string) (*store.Journal, error) {
	if path == "" {
		return nil, nil
	}
	return store.Open(path)
}

func journalRecord(r *engine.BatchReport) store.Record {
	return store.Record{
		At:             time.Now().UTC(),
		Peers:          len(r.Results),
		Successful:     r.SuccessfulCount,
		Failed:         r.FailedCount,
		TotalRetries:   r.RetryStats.TotalRetries,
		TotalTime:      r.TotalTime,
		FailuresByKind: r.FailuresByKind,
		FailedPeers:    r.FailedPeers(),
	}
}

func newClient(transport channel.Transport, cc config.ClientConfig) (*channel.Client, error) {
	pinned, err := cc.PinnedKeys()
	if err != nil {
		return nil, err
	}
	seed, err := config.Seed(cc.IdentitySeed)
	if err != nil {
		return nil, err
	}
	var identity *crypto.Identity
	if seed != nil {
		identity, err = crypto.IdentityFromSeed(seed)
		if err != nil {
			return nil, err
		}
	}
	return channel.NewClient(transport, channel.ClientOptions{
		Identity:    identity,
		MinFidelity: cc.MinFidelity,
		PeerKeys:    pinned,
	})
}

// runBatch runs one EstablishMany with metrics wired the way the config asks.
func runBatch(ctx context.Context, est engine.Establisher, peers []string, cfg config.Config) (*engine.BatchReport, error) {
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			return nil, err
		}
		ops, err := opshttp.Start(opshttp.Options{Addr: cfg.MetricsAddr, Gatherer: reg})
		if err != nil {
			return nil, err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ops.Shutdown(sctx)
		}()
	}
	e := engine.New(est, engine.WithMetrics(m), engine.WithLogger(debuglog.Logger("engine")))
	report, err := e.EstablishMany(ctx, peers, cfg.Policy)
	if err != nil {
		return nil, err
	}
	if err := m.WriteSnapshot(cfg.MetricsSnapshot); err != nil {
		return nil, fmt.Errorf("write metrics snapshot: %w", err)
	}
	return report, nil
}
