package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qmesh/internal/channel"
	"qmesh/internal/config"
)

func newBenchCmd(a *app) *cobra.Command {
	var (
		peers      int
		failFirst  int
		failRate   float64
		seed       int64
		minLatency time.Duration
		maxLatency time.Duration
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "establish channels to an in-process mesh and report timing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load(cmd, policyBindings)
			if err != nil {
				return err
			}
			if peers < 1 {
				return fmt.Errorf("--peers must be >= 1, got %d", peers)
			}
			ids := make([]string, peers)
			for i := range ids {
				ids[i] = fmt.Sprintf("bench-%04d", i)
			}
			opts := channel.LoopbackOptions{
				MinLatency: minLatency,
				MaxLatency: maxLatency,
				FailRate:   failRate,
				Seed:       seed,
			}
			if failFirst > 0 {
				opts.FailFirst = make(map[string]int, peers)
				for _, id := range ids {
					opts.FailFirst[id] = failFirst
				}
			}
			mesh, err := channel.NewLoopbackMesh(ids, opts)
			if err != nil {
				return err
			}
			client, err := newClient(mesh, config.ClientConfig{})
			if err != nil {
				return err
			}
			report, err := runBatch(cmd.Context(), client, ids, cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return writeReportJSON(a.stdout, report)
			}
			fmt.Fprintf(a.stdout, "bench: %d peers, max_concurrent=%d batch_size=%d max_retries=%d\n",
				peers, cfg.Policy.MaxConcurrent, cfg.Policy.BatchSize, cfg.Policy.MaxRetries)
			writeSummary(a.stdout, report)
			if secs := report.TotalTime.Seconds(); secs > 0 {
				fmt.Fprintf(a.stdout, "throughput: %.1f channels/s\n", float64(report.SuccessfulCount)/secs)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	addPolicyFlags(fs)
	fs.IntVar(&peers, "peers", 100, "number of simulated peers")
	fs.IntVar(&failFirst, "fail-first", 0, "fail the first N exchanges with every peer")
	fs.Float64Var(&failRate, "fail-rate", 0, "probability that an exchange fails")
	fs.Int64Var(&seed, "seed", 1, "seed for simulated latency and failures")
	fs.DurationVar(&minLatency, "latency-min", 0, "minimum simulated latency (default 26ms)")
	fs.DurationVar(&maxLatency, "latency-max", 0, "maximum simulated latency (default 42ms)")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
