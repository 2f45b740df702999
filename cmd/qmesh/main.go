// cmd/qmesh/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"qmesh/internal/config"
	"qmesh/internal/debuglog"
)

// exitError carries a non-zero exit code without an error message.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	return runContext(context.Background(), args, stdout, stderr)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type app struct {
	stdout     io.Writer
	stderr     io.Writer
	v          *viper.Viper
	configPath string
	debug      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, v: config.New()}
	root := &cobra.Command{
		Use:           "qmesh",
		Short:         "parallel secure channel establishment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.AddCommand(newEstablishCmd(a), newServeCmd(a), newBenchCmd(a))
	return root
}

// load binds the named flags of cmd to config keys, then reads the config.
// Binding happens per command because several commands share flag names.
func (a *app) load(cmd *cobra.Command, bindings map[string]string) (config.Config, error) {
	for key, name := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return config.Config{}, err
			}
		}
	}
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	debuglog.Configure(a.stderr, a.debug || cfg.Debug)
	return cfg, nil
}

var policyBindings = map[string]string{
	"policy.max_concurrent":      "max-concurrent",
	"policy.channel_timeout":     "timeout",
	"policy.max_retries":         "retries",
	"policy.retry_delay":         "retry-delay",
	"policy.batch_size":          "batch-size",
	"policy.exponential_backoff": "backoff",
	"metrics_addr":               "metrics-addr",
	"metrics_snapshot":           "metrics-snapshot",
}

func addPolicyFlags(fs *pflag.FlagSet) {
	fs.Int("max-concurrent", 0, "maximum attempts in flight")
	fs.Duration("timeout", 0, "per-attempt timeout")
	fs.Int("retries", 0, "retries per peer after the first attempt")
	fs.Duration("retry-delay", 0, "delay before the first retry")
	fs.Int("batch-size", 0, "peers started per wave")
	fs.Bool("backoff", true, "double the retry delay on each retry")
	fs.String("metrics-addr", "", "serve /metrics on this loopback address during the run")
	fs.String("metrics-snapshot", "", "write a JSON metrics snapshot to this file after the run")
}

func mergeBindings(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
